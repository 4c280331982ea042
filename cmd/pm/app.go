package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/daviddao/peermesh/pkg/config"
	"github.com/daviddao/peermesh/pkg/coordinator"
	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	v          *viper.Viper
	configFile string
	jsonOut    bool
	out        io.Writer
	errOut     io.Writer

	cfg     *config.Config
	store   *store.Store
	logger  *logging.Logger
	coord   *coordinator.Coordinator
	agentID string // default agent from --agent or PEERMESH_AGENT_ID
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{v: viper.New(), out: stdout, errOut: stderr}
}

// loadConfig layers defaults, the config file and the environment.
func (a *app) loadConfig() error {
	config.SetDefaults(a.v)
	if err := config.ReadFile(a.v, a.configFile); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.cfg = cfg
	a.agentID = cfg.Agent.ID
	return nil
}

// open loads the configuration, then opens the logger and the database.
func (a *app) open() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	return a.openStore()
}

// openStore opens the logger and the database, creating the database
// directory if needed.
func (a *app) openStore() error {
	dbPath := a.cfg.Store.Path
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cannot create %s: %w", dir, err)
		}
	}

	if a.logger == nil {
		logger, err := logging.NewLogger(a.cfg.Logging.Dir, a.cfg.Logging.Level)
		if err != nil {
			return err
		}
		a.logger = logger
	}

	s, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("cannot open database %q: %w", dbPath, err)
	}
	a.store = s
	return nil
}

// Close releases the database connection and the log file.
func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// resolveAgent returns the agent ID from the argument (if non-empty),
// falling back to --agent or PEERMESH_AGENT_ID.
func (a *app) resolveAgent(argVal string) (string, error) {
	if argVal != "" {
		return argVal, nil
	}
	if a.agentID != "" {
		return a.agentID, nil
	}
	return "", fmt.Errorf("no agent ID: pass --agent or set PEERMESH_AGENT_ID")
}

// coordinator returns the process coordinator, built on first use from
// the loaded configuration.
func (a *app) coordinator() (*coordinator.Coordinator, error) {
	if a.coord != nil {
		return a.coord, nil
	}
	c, err := coordinator.New(coordinator.Config{
		Store:             a.store,
		Logger:            a.logger,
		StaleTimeout:      a.cfg.Registry.StaleTimeout(),
		SweepInterval:     a.cfg.Registry.SweepInterval(),
		HeartbeatInterval: a.cfg.Coordinator.HeartbeatInterval(),
		PollInterval:      a.cfg.Messaging.PollInterval(),
		HistoryLimit:      a.cfg.Coordinator.HistoryLimit,
		Watch:             a.cfg.Messaging.Watch,
		LockTTL:           a.cfg.Locks.TTL(),
		LockWait:          a.cfg.Locks.Wait(),
	})
	if err != nil {
		return nil, err
	}
	a.coord = c
	return c, nil
}

// attached returns the coordinator bound to the resolved agent, which must
// already be registered.
func (a *app) attached() (*coordinator.Coordinator, string, error) {
	id, err := a.resolveAgent("")
	if err != nil {
		return nil, "", err
	}
	c, err := a.coordinator()
	if err != nil {
		return nil, "", err
	}
	if err := c.Attach(id); err != nil {
		return nil, "", fmt.Errorf("%w (run 'pm register' first)", err)
	}
	return c, id, nil
}

// peekInbox returns unread messages for agentID without marking them read.
// Commands show them as a side effect so peers' replies are not missed.
func (a *app) peekInbox(agentID string) []model.Message {
	if agentID == "" {
		return nil
	}
	c, err := a.coordinator()
	if err != nil {
		return nil
	}
	msgs, err := c.Channel().Receive(agentID, true)
	if err != nil {
		return nil
	}
	return msgs
}

// printInbox prints pending messages to w (stderr in commands) so they
// don't interfere with the command's primary stdout output. Returns the
// count printed.
func printInbox(w io.Writer, msgs []model.Message) int {
	if len(msgs) == 0 {
		return 0
	}
	fmt.Fprintf(w, "\n=== %d unread message(s) ===\n", len(msgs))
	for _, m := range msgs {
		fmt.Fprintf(w, "  %s\n", truncate(formatMessage(m), 120))
	}
	fmt.Fprintf(w, "============================\n\n")
	return len(msgs)
}

// formatMessage renders one message on a single line.
func formatMessage(m model.Message) string {
	to := m.Recipient
	if m.IsBroadcast() {
		to = "all"
	}
	return fmt.Sprintf("[ts=%d] %s -> %s (%s): %s", m.LamportTS, m.Sender, to, m.Kind, summarize(m.Payload))
}

// summarize picks the most telling field of a payload for display.
func summarize(p model.MessagePayload) string {
	switch {
	case p.Text != "":
		return p.Text
	case p.Handoff != nil:
		s := "handoff " + p.Handoff.TaskID
		if p.Handoff.Reason != "" {
			s += ": " + p.Handoff.Reason
		}
		return s
	case p.Task != nil:
		return fmt.Sprintf("task %s (%s, load=%g)", p.Task.ID, p.Task.Type, p.Task.EstimatedLoad)
	case p.Conflict != nil:
		return fmt.Sprintf("%s between %s and %s, winner %s", p.Conflict.Kind, p.Conflict.TaskA, p.Conflict.TaskB, p.Conflict.Winner)
	case p.Health != nil:
		return fmt.Sprintf("health %d/%d healthy, load %.1f%%", p.Health.HealthyCount, p.Health.InstanceCount, p.Health.LoadPercentage)
	case p.Status != nil:
		return strings.TrimSpace(p.Status.State + " " + p.Status.Detail)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// printJSON writes v to stdout as indented JSON.
func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// printf writes formatted output to stdout.
func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
