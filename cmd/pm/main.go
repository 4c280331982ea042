// Command pm is the peermesh CLI: registry, task distribution, task locks
// and messaging for agents sharing one SQLite database.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// exitError carries a non-default exit status out of a command. The
// command has already reported the condition.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// errDenied signals a lock denial (exit 2).
var errDenied = &exitError{code: 2}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	defer a.Close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "pm: %v\n", err)
		return 1
	}
	return 0
}

// storeless marks commands that run before, or without, a database.
const storeless = "storeless"

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "pm",
		Short: "Peer coordination for agents sharing one SQLite database",
		Long: `pm coordinates concurrent agent processes through a shared SQLite file.

Agents register themselves, heartbeat to stay visible, accept work items
routed to the least loaded capable peer, lease task locks, and exchange
Lamport-stamped messages. There is no server: every command reads and
writes the database directly.

Environment:
  PEERMESH_STORE_PATH   database path (same as --db)
  PEERMESH_AGENT_ID     default agent id (same as --agent)
  PEERMESH_*            any config key, dots replaced by underscores

Exit codes:
  0  success
  1  error
  2  lock denied`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch cmd.Name() {
			case "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
				return nil
			}
			if cmd.Annotations[storeless] != "" {
				return a.loadConfig()
			}
			return a.open()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configFile, "config", "c", "", "config file (default ./peermesh.yaml, then $XDG_CONFIG_HOME/peermesh/peermesh.yaml)")
	pf.String("db", "", "SQLite database path")
	pf.String("agent", "", "agent id to act as")
	pf.BoolVar(&a.jsonOut, "json", false, "JSON output")
	_ = a.v.BindPFlag("store.path", pf.Lookup("db"))
	_ = a.v.BindPFlag("agent.id", pf.Lookup("agent"))

	root.AddGroup(
		&cobra.Group{ID: "setup", Title: "Setup:"},
		&cobra.Group{ID: "registry", Title: "Registry:"},
		&cobra.Group{ID: "work", Title: "Work:"},
		&cobra.Group{ID: "messages", Title: "Messages:"},
		&cobra.Group{ID: "ops", Title: "Operations:"},
	)
	add := func(group string, cmds ...*cobra.Command) {
		for _, c := range cmds {
			c.GroupID = group
			root.AddCommand(c)
		}
	}
	add("setup", newInitCmd(a), newConfigCmd(a))
	add("registry",
		newRegisterCmd(a), newDeregisterCmd(a), newHeartbeatCmd(a),
		newLoadCmd(a), newDiscoverCmd(a), newSweepCmd(a),
	)
	add("work",
		newSubmitCmd(a), newRebalanceCmd(a), newHandoffCmd(a), newConflictCmd(a),
		newLockCmd(a), newUnlockCmd(a), newLocksCmd(a),
	)
	add("messages",
		newSendCmd(a), newBroadcastCmd(a), newRecvCmd(a), newWatchCmd(a),
		newAckCmd(a), newAckStatusCmd(a),
	)
	add("ops",
		newStatusCmd(a), newHealthCmd(a), newAgentCmd(a),
		newCheckCmd(a), newRecoverCmd(a),
	)
	return root
}
