package messaging

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/daviddao/peermesh/pkg/clock"
	"github.com/daviddao/peermesh/pkg/model"
)

// PollOnce pulls recipient's unread messages and dispatches each to the
// handler for its kind, in Lamport order with ties broken by id, so a
// reply is never handled before its cause when peer wall clocks drift. A message is acknowledged and marked read right
// after its handler returns, whether or not it failed; messages without a
// handler are still acknowledged. Returns how many messages were
// delivered. Cancelling ctx stops the batch before the next message, and a
// message whose handler was abandoned stays unread.
func (c *Channel) PollOnce(ctx context.Context, recipient string) (int, error) {
	msgs, err := c.Receive(recipient, true)
	if err != nil {
		return 0, err
	}
	slices.SortStableFunc(msgs, lamportOrder)

	delivered := 0
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		if h, ok := c.handler(m.Kind); ok {
			err := h.ServeMessage(ctx, m)
			if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				break
			}
			if err != nil {
				c.logger.Error("message handler failed", "id", m.ID, "kind", string(m.Kind),
					"from", m.Sender, "error", err)
			}
		} else {
			c.logger.Debug("no handler for message kind", "id", m.ID, "kind", string(m.Kind))
		}

		if _, err := c.Acknowledge(m.ID, recipient); err != nil {
			return delivered, err
		}
		if err := c.MarkRead(recipient, []model.Message{m}); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func lamportOrder(a, b model.Message) int {
	switch {
	case clock.TotalOrderLess(a.LamportTS, a.ID, b.LamportTS, b.ID):
		return -1
	case clock.TotalOrderLess(b.LamportTS, b.ID, a.LamportTS, a.ID):
		return 1
	}
	return 0
}

// Run polls for recipient every poll interval until ctx is cancelled.
// Poll errors are logged and the loop keeps going.
func (c *Channel) Run(ctx context.Context, recipient string) error {
	wake, stopWatch := c.watch(ctx)
	defer stopWatch()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
		if _, err := c.PollOnce(ctx, recipient); err != nil {
			c.logger.Warn("poll failed", "recipient", recipient, "error", err)
		}
	}
}

// watch returns a channel that fires when the database file or its WAL is
// written. It returns a nil channel, which never fires, when watching is
// off or the watcher cannot start.
func (c *Channel) watch(ctx context.Context) (<-chan struct{}, func()) {
	if c.watchPath == "" {
		return nil, func() {}
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("file watch unavailable, polling only", "error", err)
		return nil, func() {}
	}
	dir, base := filepath.Split(c.watchPath)
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		c.logger.Warn("file watch unavailable, polling only", "dir", dir, "error", err)
		return nil, func() {}
	}

	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 ||
					!strings.HasPrefix(filepath.Base(ev.Name), base) {
					continue
				}
				// Coalesce bursts: one pending wake is enough.
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.logger.Debug("file watch error", "error", err)
			}
		}
	}()
	return wake, func() {
		_ = w.Close()
		<-done
	}
}
