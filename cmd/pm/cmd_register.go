package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/model"
)

func newRegisterCmd(a *app) *cobra.Command {
	var info model.RegisterInfo
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register this agent and print its new id",
		Long: `Register this agent in the peer group. Flags default to the agent
section of the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("hostname") {
				info.Hostname = a.cfg.Agent.Hostname
			}
			if !cmd.Flags().Changed("cap") {
				info.Capabilities = a.cfg.Agent.Capabilities
			}
			if !cmd.Flags().Changed("max") {
				info.MaxCapacity = a.cfg.Agent.MaxCapacity
			}
			if !cmd.Flags().Changed("load") {
				info.CurrentLoad = a.cfg.Agent.CurrentLoad
			}

			c, err := a.coordinator()
			if err != nil {
				return err
			}
			id, err := c.RegisterSelf(info)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}
			inst, _, err := c.Registry().Get(id)
			if err != nil {
				return fmt.Errorf("register: %w", err)
			}

			if a.jsonOut {
				a.printJSON(inst)
				return nil
			}
			a.printf("registered %s (hostname=%s, capacity=%d)\n", id, inst.Hostname, inst.MaxCapacity)
			a.printf("  export PEERMESH_AGENT_ID=%s\n", id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&info.Hostname, "hostname", "", "display name (default: host name plus id prefix)")
	f.StringSliceVar(&info.Capabilities, "cap", nil, "capabilities, comma separated (e.g. file-edit,test-suite)")
	f.IntVar(&info.MaxCapacity, "max", model.DefaultMaxCapacity, "maximum load")
	f.Float64Var(&info.CurrentLoad, "load", 0, "initial load")
	return cmd
}

func newDeregisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "deregister [id]",
		Short: "Release an agent's locks and remove it from the registry",
		Long: `Release every lock the agent holds and remove it from the registry.
Defaults to the current agent.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var arg string
			if len(args) > 0 {
				arg = args[0]
			}
			id, err := a.resolveAgent(arg)
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			if err := c.Attach(id); err != nil {
				return fmt.Errorf("deregister: %w", err)
			}
			if err := c.Shutdown(); err != nil {
				return fmt.Errorf("deregister: %w", err)
			}

			if a.jsonOut {
				a.printJSON(map[string]any{"deregistered": id})
				return nil
			}
			a.printf("deregistered %s\n", id)
			return nil
		},
	}
}

func newHeartbeatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "heartbeat",
		Aliases: []string{"hb"},
		Short:   "Refresh this agent's last-seen time",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, id, err := a.attached()
			if err != nil {
				return err
			}
			if err := c.Heartbeat(); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			inbox := a.peekInbox(id)

			if a.jsonOut {
				a.printJSON(map[string]any{"instance_id": id, "lamport_ts": c.Channel().LamportTime(),
					"inbox": inbox, "inbox_count": len(inbox)})
				return nil
			}
			a.printf("heartbeat %s\n", id)
			printInbox(a.errOut, inbox)
			return nil
		},
	}
}

func newLoadCmd(a *app) *cobra.Command {
	var add bool
	cmd := &cobra.Command{
		Use:   "load <value>",
		Short: "Report this agent's current load",
		Long: `Set this agent's current load to value. With --add, value is added
instead (negative values subtract; the result never drops below zero).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			load, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("load: %q is not a number", args[0])
			}
			id, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			reg := c.Registry()

			var ok bool
			if add {
				ok, err = reg.AddLoad(id, load)
			} else {
				ok, err = reg.UpdateLoad(id, load)
			}
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if !ok {
				return fmt.Errorf("load: instance %s is not registered", id)
			}

			inst, _, err := reg.Get(id)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			if a.jsonOut {
				a.printJSON(inst)
				return nil
			}
			a.printf("%s load=%g/%d (%.0f%%)\n", id, inst.CurrentLoad, inst.MaxCapacity, inst.LoadRatio()*100)
			return nil
		},
	}
	cmd.Flags().BoolVar(&add, "add", false, "add value to the current load instead of replacing it")
	return cmd
}
