package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/model"
)

// filterByFrom keeps messages sent by from, preserving order.
func filterByFrom(msgs []model.Message, from string) []model.Message {
	var out []model.Message
	for _, m := range msgs {
		if m.Sender == from {
			out = append(out, m)
		}
	}
	return out
}

func newRecvCmd(a *app) *cobra.Command {
	var (
		all  bool
		peek bool
		from string
	)
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Show unread messages and mark them read",
		Long: `Show this agent's unread messages, direct and broadcast, oldest first,
and mark them read. --all includes messages read earlier; --peek leaves
read state unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ch := c.Channel()

			msgs, err := ch.Receive(agentID, !all || peek)
			if err != nil {
				return fmt.Errorf("recv: %w", err)
			}
			if from != "" {
				msgs = filterByFrom(msgs, from)
			}
			if !peek && !all {
				if err := ch.MarkRead(agentID, msgs); err != nil {
					return fmt.Errorf("recv: %w", err)
				}
			}

			if a.jsonOut {
				a.printJSON(map[string]any{"messages": msgs, "count": len(msgs), "lamport_ts": ch.LamportTime()})
				return nil
			}
			if len(msgs) == 0 {
				a.printf("no new messages\n")
				return nil
			}
			for _, m := range msgs {
				a.printf("%s  %s\n", m.ID, formatMessage(m))
			}
			fmt.Fprintf(a.errOut, "(%d messages, clock now %d)\n", len(msgs), ch.LamportTime())
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include messages already read")
	cmd.Flags().BoolVar(&peek, "peek", false, "don't mark messages read")
	cmd.Flags().StringVar(&from, "from", "", "only messages from this sender")
	return cmd
}

func newAckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <message-id>",
		Short: "Acknowledge a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ok, err := c.Channel().Acknowledge(args[0], agentID)
			if err != nil {
				return fmt.Errorf("ack: %w", err)
			}
			if !ok {
				return fmt.Errorf("ack: no message %s", args[0])
			}
			if a.jsonOut {
				a.printJSON(map[string]any{"acknowledged": true, "message_id": args[0], "by": agentID})
				return nil
			}
			a.printf("acknowledged %s\n", args[0])
			return nil
		},
	}
}

func newAckStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ack-status <message-id>",
		Short: "Show whether a message was acknowledged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			st, ok, err := c.Channel().AckStatus(args[0])
			if err != nil {
				return fmt.Errorf("ack-status: %w", err)
			}
			if !ok {
				return fmt.Errorf("ack-status: no message %s", args[0])
			}
			if a.jsonOut {
				a.printJSON(st)
				return nil
			}
			if !st.Acknowledged {
				a.printf("%s: not acknowledged\n", args[0])
				return nil
			}
			a.printf("%s: acknowledged by %s at %s\n", args[0], st.By, st.At.Format("15:04:05"))
			return nil
		},
	}
}
