package messaging

import (
	"context"

	"github.com/daviddao/peermesh/pkg/model"
)

// Handler processes one delivered message.
type Handler interface {
	ServeMessage(ctx context.Context, msg model.Message) error
}

// HandlerFunc is a Handler that runs synchronously in the receive loop.
type HandlerFunc func(ctx context.Context, msg model.Message) error

// ServeMessage calls f.
func (f HandlerFunc) ServeMessage(ctx context.Context, msg model.Message) error {
	return f(ctx, msg)
}

// AsyncHandlerFunc starts work and returns a channel that yields its result.
// The receive loop waits on the channel, or gives up when ctx is done.
type AsyncHandlerFunc func(ctx context.Context, msg model.Message) <-chan error

// ServeMessage calls f and waits for its result.
func (f AsyncHandlerFunc) ServeMessage(ctx context.Context, msg model.Message) error {
	select {
	case err := <-f(ctx, msg):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handle registers h for kind, replacing any previous handler.
func (c *Channel) Handle(kind model.MessageKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

func (c *Channel) handler(kind model.MessageKind) (Handler, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handlers[kind]
	return h, ok
}
