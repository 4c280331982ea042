package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	agentsBeginMarker = "<!-- BEGIN PEERMESH INTEGRATION -->"
	agentsEndMarker   = "<!-- END PEERMESH INTEGRATION -->"
)

const agentsSection = `<!-- BEGIN PEERMESH INTEGRATION -->
## Peer Coordination with pm (peermesh)

This project coordinates concurrent agents through **pm**. Everything is
shared through one SQLite file; there is no server to start.

**Quick reference:**
- ` + "`pm register --cap build,test-suite`" + ` - Join the peer group, prints your id
- ` + "`pm agent`" + `                          - Stay online: heartbeat, sweep, answer health checks
- ` + "`pm submit --type file-edit --file path --lock`" + ` - Route work to the least loaded peer
- ` + "`pm lock <task>`" + ` / ` + "`pm unlock <task>`" + ` - Lease a task before working on it
- ` + "`pm send <to> <msg>`" + `                - Message a peer (` + "`all`" + ` broadcasts)
- ` + "`pm status`" + `                         - Peers, presence, locks and unread mail

**Environment:** ` + "`export PEERMESH_AGENT_ID=<your-id>`" + `

**Session close:** ` + "`pm deregister`" + ` releases your locks and leaves the group.
<!-- END PEERMESH INTEGRATION -->
`

func newInitCmd(a *app) *cobra.Command {
	var (
		agentsFile  string
		skipAgents  bool
		writeConfig string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and add the pm section to AGENTS.md",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			instances, err := a.store.ListInstances()
			if err != nil {
				return fmt.Errorf("init: database error: %w", err)
			}

			a.printf("initialized peermesh (db: %s)\n", a.cfg.Store.Path)
			if len(instances) > 0 {
				a.printf("  %d registered instance(s)\n", len(instances))
			}

			if writeConfig != "" {
				if err := writeDefaultConfig(a, writeConfig); err != nil {
					return err
				}
			}
			if !skipAgents {
				if err := injectAgentsSection(a.out, agentsFile); err != nil {
					fmt.Fprintf(a.errOut, "pm: AGENTS.md: %v\n", err)
				}
			}

			a.printf("\nnext steps:\n")
			a.printf("  pm register --cap <capability,...>\n")
			a.printf("  export PEERMESH_AGENT_ID=<printed id>\n")
			a.printf("  pm agent       # keep this agent online\n")
			return nil
		},
	}
	cmd.Flags().StringVar(&agentsFile, "agents-md", "AGENTS.md", "path to AGENTS.md")
	cmd.Flags().BoolVar(&skipAgents, "skip-agents-md", false, "don't touch AGENTS.md")
	cmd.Flags().StringVar(&writeConfig, "write-config", "", "also write the effective config to this YAML file (kept if it exists)")
	return cmd
}

// writeDefaultConfig saves the effective configuration as YAML unless path
// already exists.
func writeDefaultConfig(a *app, path string) error {
	if _, err := os.Stat(path); err == nil {
		a.printf("  kept existing %s\n", path)
		return nil
	}
	data, err := yaml.Marshal(a.cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	a.printf("  wrote %s\n", path)
	return nil
}

// injectAgentsSection creates or updates AGENTS.md with the peermesh section.
// Uses HTML markers for idempotent updates.
func injectAgentsSection(w io.Writer, path string) error {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		newContent := "# Agent Instructions\n\n" + agentsSection
		if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		fmt.Fprintf(w, "  created %s with peermesh section\n", path)
		return nil
	} else if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	text := string(content)
	start := strings.Index(text, agentsBeginMarker)
	end := strings.Index(text, agentsEndMarker)
	if start >= 0 && end > start {
		endOfMarker := end + len(agentsEndMarker)
		if nl := strings.Index(text[endOfMarker:], "\n"); nl >= 0 {
			endOfMarker += nl + 1
		}
		newContent := text[:start] + agentsSection + text[endOfMarker:]
		if err := os.WriteFile(path, []byte(newContent), 0o644); err != nil {
			return fmt.Errorf("update %s: %w", path, err)
		}
		fmt.Fprintf(w, "  updated peermesh section in %s\n", path)
		return nil
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	text += "\n" + agentsSection
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	fmt.Fprintf(w, "  added peermesh section to %s\n", path)
	return nil
}
