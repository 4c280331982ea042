package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/daviddao/peermesh/pkg/messaging"
	"github.com/daviddao/peermesh/pkg/model"
)

var messageKinds = []model.MessageKind{
	model.KindTaskHandoff,
	model.KindStatusUpdate,
	model.KindSystemUpdate,
	model.KindTaskRequest,
	model.KindConflict,
	model.KindHealthCheck,
}

// printHandler writes each delivered message as one line, or one JSON
// object per line.
func (a *app) printHandler() messaging.Handler {
	return messaging.HandlerFunc(func(_ context.Context, m model.Message) error {
		if a.jsonOut {
			b, err := json.Marshal(m)
			if err != nil {
				return err
			}
			a.printf("%s\n", b)
			return nil
		}
		a.printf("%s\n", formatMessage(m))
		return nil
	})
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		interval  time.Duration
		fileWatch bool
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream messages as they arrive",
		Long: `Print this agent's messages as they arrive until interrupted. Each
message shown is marked read and acknowledged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			agentID, err := a.resolveAgent("")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				a.cfg.Messaging.PollIntervalMs = int(interval.Milliseconds())
			}
			if fileWatch {
				a.cfg.Messaging.Watch = true
			}
			c, err := a.coordinator()
			if err != nil {
				return err
			}
			ch := c.Channel()
			h := a.printHandler()
			for _, k := range messageKinds {
				ch.Handle(k, h)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			fmt.Fprintf(a.errOut, "watching messages for %s (poll every %s, ctrl-c to stop)\n",
				agentID, a.cfg.Messaging.PollInterval())
			if err := ch.Run(ctx, agentID); err != nil {
				return fmt.Errorf("watch: %w", err)
			}
			fmt.Fprintln(a.errOut, "stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	cmd.Flags().BoolVar(&fileWatch, "notify", false, "also wake on writes to the database file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop after this long (0 = until interrupted)")
	return cmd
}
