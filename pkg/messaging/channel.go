// Package messaging is a store-and-forward message channel between agents.
//
// Messages are rows in the shared store. A sender writes one, recipients
// find it by polling for their id or the broadcast address. Every message is
// stamped with the sender's Lamport clock so that messages written within
// the same wall-clock tick still order causally.
package messaging

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/peermesh/pkg/clock"
	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/store"
)

// DefaultPollInterval is how often Run checks for new messages.
const DefaultPollInterval = time.Second

// Store is the subset of the shared store the channel needs.
type Store interface {
	InsertMessage(m model.Message) error
	GetMessage(id string) (*model.Message, error)
	ListMessagesFor(recipient string, onlyUnread bool) ([]model.Message, error)
	MarkRead(recipient string, msgs []model.Message, at time.Time) error
	AckMessage(id, by string, at time.Time) (bool, error)
	MaxLamport() int64
}

// Channel sends, receives, and dispatches messages.
type Channel struct {
	store        Store
	clock        clock.Clock
	pollInterval time.Duration
	watchPath    string
	logger       *logging.Logger
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[model.MessageKind]Handler
}

// Option configures a Channel.
type Option func(*Channel)

// WithPollInterval sets the Run polling period. Non-positive values are
// ignored.
func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithWatch makes Run also watch the directory holding dbPath, so writes by
// other processes trigger a poll before the next tick.
func WithWatch(dbPath string) Option {
	return func(c *Channel) { c.watchPath = dbPath }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Channel) { c.logger = l }
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// New creates a Channel over s. The Lamport clock starts at the highest
// stamp already in the log.
func New(s Store, opts ...Option) *Channel {
	c := &Channel{
		store:        s,
		pollInterval: DefaultPollInterval,
		logger:       logging.NopLogger(),
		now:          time.Now,
		handlers:     make(map[model.MessageKind]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("messaging")
	c.clock.Observe(s.MaxLamport())
	return c
}

// LamportTime returns the channel's current logical time.
func (c *Channel) LamportTime() int64 { return c.clock.Value() }

// Send validates msg against its kind, assigns id, timestamp and Lamport
// stamp, and persists it. Returns the new id.
func (c *Channel) Send(msg model.Message) (string, error) {
	if msg.Sender == "" {
		return "", fmt.Errorf("%w: sender is required", model.ErrInvalidPayload)
	}
	if msg.Recipient == "" {
		return "", fmt.Errorf("%w: recipient is required", model.ErrInvalidPayload)
	}
	if err := msg.Payload.Validate(msg.Kind); err != nil {
		return "", err
	}

	msg.ID = uuid.NewString()
	msg.Timestamp = c.now()
	msg.LamportTS = c.clock.Tick()
	msg.Read = false
	msg.Acknowledged = false
	msg.AcknowledgedBy = ""
	msg.AcknowledgedAt = nil

	if err := c.store.InsertMessage(msg); err != nil {
		return "", fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	c.logger.Debug("message sent", "id", msg.ID, "kind", string(msg.Kind),
		"from", msg.Sender, "to", msg.Recipient, "lamport_ts", msg.LamportTS)
	return msg.ID, nil
}

// Broadcast sends msg to every instance.
func (c *Channel) Broadcast(msg model.Message) (string, error) {
	msg.Recipient = model.BroadcastRecipient
	return c.Send(msg)
}

// Receive returns messages for recipient, including broadcasts, oldest
// first. With onlyUnread false, every returned message is marked read for
// recipient as part of the call.
func (c *Channel) Receive(recipient string, onlyUnread bool) ([]model.Message, error) {
	msgs, err := c.store.ListMessagesFor(recipient, onlyUnread)
	if err != nil {
		return nil, fmt.Errorf("receive for %s: %w", recipient, err)
	}
	c.observe(msgs)
	if onlyUnread {
		return msgs, nil
	}

	var unread []model.Message
	for _, m := range msgs {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	if err := c.MarkRead(recipient, unread); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Read = true
	}
	return msgs, nil
}

// MarkRead flags msgs as read by recipient. Broadcasts are marked for
// recipient only.
func (c *Channel) MarkRead(recipient string, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := c.store.MarkRead(recipient, msgs, c.now()); err != nil {
		return fmt.Errorf("mark read for %s: %w", recipient, err)
	}
	return nil
}

// observe applies the receive rule once for a batch.
func (c *Channel) observe(msgs []model.Message) {
	var latest int64
	for _, m := range msgs {
		latest = max(latest, m.LamportTS)
	}
	if len(msgs) > 0 {
		c.clock.Receive(latest)
	}
}

// Acknowledge marks message id as acknowledged by by. Returns false for an
// unknown id.
func (c *Channel) Acknowledge(id, by string) (bool, error) {
	return c.store.AckMessage(id, by, c.now())
}

// AckStatus reports whether message id was acknowledged, by whom and when.
// The bool is false for an unknown id.
func (c *Channel) AckStatus(id string) (model.AckStatus, bool, error) {
	m, err := c.store.GetMessage(id)
	if errors.Is(err, store.ErrNotFound) {
		return model.AckStatus{}, false, nil
	}
	if err != nil {
		return model.AckStatus{}, false, err
	}
	return model.AckStatus{Acknowledged: m.Acknowledged, By: m.AcknowledgedBy, At: m.AcknowledgedAt}, true, nil
}
