package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/coordinator"
	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/store"
)

func newAgentCmd(a *app) *cobra.Command {
	var (
		info      model.RegisterInfo
		keepAfter bool
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run this agent: heartbeat, sweep stale peers, process messages",
		Long: `Keep this agent online until interrupted. The agent heartbeats,
sweeps stale peers, and answers health checks from its inbox. It resumes
--agent if that instance is registered, and registers a new one otherwise.

On exit it releases its locks and deregisters, unless --keep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}

			id := a.agentID
			if id == "" || c.Attach(id) != nil {
				if id != "" {
					fmt.Fprintf(a.errOut, "pm: %s not registered, registering a new instance\n", id)
				}
				info.Hostname = a.cfg.Agent.Hostname
				if !cmd.Flags().Changed("cap") {
					info.Capabilities = a.cfg.Agent.Capabilities
				}
				if !cmd.Flags().Changed("max") {
					info.MaxCapacity = a.cfg.Agent.MaxCapacity
				}
				info.CurrentLoad = a.cfg.Agent.CurrentLoad
				if id, err = c.RegisterSelf(info); err != nil {
					return fmt.Errorf("agent: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := c.Start(ctx); err != nil {
				return fmt.Errorf("agent: %w", err)
			}
			fmt.Fprintf(a.errOut, "agent %s running (db: %s, ctrl-c to stop)\n", id, a.cfg.Store.Path)
			if a.jsonOut {
				a.printJSON(map[string]any{"instance_id": id, "status": "running"})
			}

			<-ctx.Done()
			fmt.Fprintln(a.errOut, "\nstopping")
			if keepAfter {
				c.Stop()
				return nil
			}
			if err := c.Shutdown(); err != nil {
				return fmt.Errorf("agent shutdown: %w", err)
			}
			fmt.Fprintf(a.errOut, "deregistered %s\n", id)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&info.Capabilities, "cap", nil, "capabilities when registering")
	cmd.Flags().IntVar(&info.MaxCapacity, "max", model.DefaultMaxCapacity, "maximum load when registering")
	cmd.Flags().BoolVar(&keepAfter, "keep", false, "stay registered and keep locks on exit")
	return cmd
}

// corruptStore marks commands that open the database themselves so they
// can still run when it no longer opens.
var corruptStore = map[string]string{storeless: "true"}

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "check",
		Short:       "Check the database for corruption",
		Args:        cobra.NoArgs,
		Annotations: corruptStore,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := a.openStore()
			if err == nil {
				var c *coordinator.Coordinator
				if c, err = a.coordinator(); err != nil {
					return err
				}
				err = c.CheckStore()
			}
			if err != nil {
				if a.jsonOut {
					a.printJSON(map[string]any{"ok": false, "corrupted": store.IsCorruption(err), "error": err.Error()})
				}
				if store.IsCorruption(err) {
					return fmt.Errorf("check: %w (run 'pm recover --yes' to rebuild)", err)
				}
				return fmt.Errorf("check: %w", err)
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"ok": true})
				return nil
			}
			a.printf("database ok (%s)\n", a.cfg.Store.Path)
			return nil
		},
	}
}

func newRecoverCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Delete and recreate a corrupted database",
		Long: `Delete the database and recreate it empty. Every instance, message and
lock is lost; running agents re-register on their next heartbeat. Requires
--yes.`,
		Args:        cobra.NoArgs,
		Annotations: corruptStore,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("recover deletes all shared state; pass --yes to proceed")
			}
			if err := a.openStore(); err != nil {
				if !store.IsCorruption(err) {
					return fmt.Errorf("recover: %w", err)
				}
				// Too damaged to open: remove it and start clean.
				if err := store.Remove(a.cfg.Store.Path); err != nil {
					return fmt.Errorf("recover: %w", err)
				}
				if err := a.openStore(); err != nil {
					return fmt.Errorf("recover: %w", err)
				}
			} else {
				c, err := a.coordinator()
				if err != nil {
					return err
				}
				if a.agentID != "" {
					// Rejoin as the current agent once rebuilt, if it was registered.
					_ = c.Attach(a.agentID)
				}
				if err := c.RecoverStore(); err != nil {
					return fmt.Errorf("recover: %w", err)
				}
			}

			if a.jsonOut {
				a.printJSON(map[string]any{"recovered": true, "path": a.cfg.Store.Path})
				return nil
			}
			a.printf("recreated %s\n", a.cfg.Store.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all shared state")
	return cmd
}
