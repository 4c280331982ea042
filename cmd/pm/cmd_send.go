package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/model"
)

// messageFlags builds a message payload from --kind, --payload and text.
type messageFlags struct {
	kind    string
	payload string
}

func (f *messageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.kind, "kind", "k", string(model.KindStatusUpdate), "message kind")
	cmd.Flags().StringVar(&f.payload, "payload", "", "payload as JSON, e.g. '{\"handoff\":{\"task_id\":\"t1\"}}'")
}

func (f *messageFlags) build(text string) (model.MessageKind, model.MessagePayload, error) {
	kind := model.MessageKind(f.kind)
	var p model.MessagePayload
	if f.payload != "" {
		if err := json.Unmarshal([]byte(f.payload), &p); err != nil {
			return "", p, fmt.Errorf("--payload: %w", err)
		}
	}
	if text != "" {
		p.Text = text
	}
	if err := p.Validate(kind); err != nil {
		return "", p, err
	}
	return kind, p, nil
}

// resolveRecipients splits a comma-separated recipient list. "all" or "*"
// means broadcast.
func resolveRecipients(to string) (recipients []string, broadcast bool, err error) {
	to = strings.TrimSpace(to)
	if strings.EqualFold(to, "all") || to == model.BroadcastRecipient {
		return nil, true, nil
	}
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	if len(recipients) == 0 {
		return nil, false, fmt.Errorf("no recipients in %q", to)
	}
	return recipients, false, nil
}

func newSendCmd(a *app) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "send <to> [text...]",
		Short: "Send a message to one or more agents",
		Long: `Send a message. <to> is an agent id, a comma-separated list of ids, or
"all" to broadcast. Text becomes the payload's text field; --payload sets
structured fields for kinds that need them.`,
		Example: `  pm send 3f2a... "rebased, ready for review"
  pm send all --kind system-update "store moving to /srv/shared.db"
  pm send 3f2a... --kind task-handoff --payload '{"handoff":{"task_id":"t1","reason":"leaving"}}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			recipients, broadcast, err := resolveRecipients(args[0])
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			kind, payload, err := f.build(strings.Join(args[1:], " "))
			if err != nil {
				return fmt.Errorf("send: %w", err)
			}
			if broadcast {
				return a.broadcast(agentID, kind, payload)
			}

			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ch := c.Channel()
			var ids []string
			for _, r := range recipients {
				id, err := ch.Send(model.Message{Sender: agentID, Recipient: r, Kind: kind, Payload: payload})
				if err != nil {
					return fmt.Errorf("send: %w", err)
				}
				ids = append(ids, id)
			}

			inbox := a.peekInbox(agentID)
			if a.jsonOut {
				a.printJSON(map[string]any{"message_ids": ids, "recipients": len(ids),
					"lamport_ts": ch.LamportTime(), "inbox": inbox, "inbox_count": len(inbox)})
				return nil
			}
			a.printf("sent %s to %s at ts=%d (%d recipients)\n", kind, args[0], ch.LamportTime(), len(ids))
			printInbox(a.errOut, inbox)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newBroadcastCmd(a *app) *cobra.Command {
	var f messageFlags
	cmd := &cobra.Command{
		Use:   "broadcast [text...]",
		Short: "Send a message to every agent",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			kind, payload, err := f.build(strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
			return a.broadcast(agentID, kind, payload)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) broadcast(sender string, kind model.MessageKind, payload model.MessagePayload) error {
	c, err := a.coordinator()
	if err != nil {
		return err
	}
	ch := c.Channel()
	id, err := ch.Broadcast(model.Message{Sender: sender, Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if a.jsonOut {
		a.printJSON(map[string]any{"message_id": id, "lamport_ts": ch.LamportTime()})
		return nil
	}
	a.printf("broadcast %s at ts=%d (message %s)\n", kind, ch.LamportTime(), id)
	return nil
}
