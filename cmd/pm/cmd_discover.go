package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		includeStale bool
		capability   string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List registered instances, least loaded first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			instances, err := c.Registry().Discover(includeStale)
			if err != nil {
				return fmt.Errorf("discover: %w", err)
			}
			if capability != "" {
				kept := instances[:0]
				for _, inst := range instances {
					if inst.HasCapability(capability) {
						kept = append(kept, inst)
					}
				}
				instances = kept
			}

			if a.jsonOut {
				a.printJSON(instances)
				return nil
			}
			if len(instances) == 0 {
				a.printf("no instances\n")
				return nil
			}
			now := time.Now()
			for _, inst := range instances {
				a.printf("%-36s %-24s load=%g/%-3d caps=%v seen %s\n",
					inst.ID, inst.Hostname, inst.CurrentLoad, inst.MaxCapacity,
					inst.Capabilities, humanize.RelTime(inst.LastSeen, now, "ago", "from now"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&includeStale, "stale", false, "include instances past the staleness timeout")
	cmd.Flags().StringVar(&capability, "cap", "", "only instances with this capability")
	return cmd
}

func newSweepCmd(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove instances not seen within the staleness timeout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			if timeout <= 0 {
				timeout = c.Registry().StaleTimeout()
			}
			n, err := c.Registry().Sweep(timeout)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"removed": n, "timeout_seconds": timeout.Seconds()})
				return nil
			}
			a.printf("removed %d stale instance(s) (timeout %s)\n", n, timeout)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "staleness timeout (default registry.stale_timeout_seconds)")
	return cmd
}
