package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/lockmgr"
	"github.com/daviddao/peermesh/pkg/model"
)

// lockManager returns a lock manager acting as agentID.
func (a *app) lockManager(agentID string, ttl, wait time.Duration) *lockmgr.Manager {
	return lockmgr.New(a.store, agentID,
		lockmgr.WithTTL(ttl),
		lockmgr.WithWait(wait),
		lockmgr.WithLogger(a.logger),
	)
}

// lockHolder returns the live lease on taskID, or nil.
func (a *app) lockHolder(taskID string) *model.TaskLock {
	locks, err := a.store.ListTaskLocks(time.Now())
	if err != nil {
		return nil
	}
	for _, l := range locks {
		if l.TaskID == taskID {
			return &l
		}
	}
	return nil
}

func newLockCmd(a *app) *cobra.Command {
	var (
		ttl  time.Duration
		wait time.Duration
		meta map[string]string
	)
	cmd := &cobra.Command{
		Use:   "lock <task-id>",
		Short: "Lease a task exclusively",
		Long: `Lease task-id for the current agent. Taking a lease you already hold
refreshes its expiry. With --wait, retries until the lease frees up or the
wait runs out. Exits 2 when denied.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = a.cfg.Locks.TTL()
			}
			if !cmd.Flags().Changed("wait") {
				wait = a.cfg.Locks.Wait()
			}
			taskID := args[0]

			// Holders may have sent releases or handoffs; show them first.
			inbox := a.peekInbox(agentID)
			if !a.jsonOut {
				printInbox(a.errOut, inbox)
			}

			granted, err := a.lockManager(agentID, ttl, wait).Acquire(cmd.Context(), taskID, meta)
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			if !granted {
				holder := a.lockHolder(taskID)
				if a.jsonOut {
					a.printJSON(map[string]any{"granted": false, "conflict": holder,
						"inbox": inbox, "inbox_count": len(inbox)})
					return errDenied
				}
				if holder != nil {
					a.printf("DENIED: %s holds %s (expires %s)\n",
						holder.Holder, taskID, humanize.Time(holder.ExpiresAt))
				} else {
					a.printf("DENIED: %s\n", taskID)
				}
				return errDenied
			}

			lock := a.lockHolder(taskID)
			if a.jsonOut {
				a.printJSON(map[string]any{"granted": true, "lock": lock,
					"inbox": inbox, "inbox_count": len(inbox)})
				return nil
			}
			a.printf("locked %s (ttl=%s)\n", taskID, ttl)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "lease duration (default locks.ttl_seconds)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "keep retrying this long while another agent holds the lease")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "metadata stored with the lease, key=value")
	return cmd
}

func newUnlockCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <task-id>",
		Short: "Release a task lease",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			released, err := a.lockManager(agentID, a.cfg.Locks.TTL(), 0).Release(args[0])
			if err != nil {
				return fmt.Errorf("unlock: %w", err)
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"released": released, "task_id": args[0]})
				return nil
			}
			if !released {
				a.printf("%s was not locked by %s\n", args[0], agentID)
				return nil
			}
			a.printf("unlocked %s\n", args[0])
			return nil
		},
	}
}

func newLocksCmd(a *app) *cobra.Command {
	var mine bool
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List live task leases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				locks []model.TaskLock
				err   error
			)
			if mine {
				agentID, rerr := a.resolveAgent("")
				if rerr != nil {
					return rerr
				}
				locks, err = a.store.ListTaskLocksForHolder(agentID, time.Now())
			} else {
				locks, err = a.store.ListTaskLocks(time.Now())
			}
			if err != nil {
				return fmt.Errorf("locks: %w", err)
			}

			if a.jsonOut {
				a.printJSON(locks)
				return nil
			}
			if len(locks) == 0 {
				a.printf("locks: none\n")
				return nil
			}
			for _, l := range locks {
				a.printf("  %-30s held by %-36s expires %s\n", l.TaskID, l.Holder, humanize.Time(l.ExpiresAt))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&mine, "mine", false, "only leases held by the current agent")
	return cmd
}
