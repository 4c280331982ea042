package model

import (
	"fmt"
	"time"
)

// MessageKind enumerates the kinds of inter-agent messages.
type MessageKind string

const (
	KindTaskHandoff  MessageKind = "task-handoff"
	KindStatusUpdate MessageKind = "status-update"
	KindSystemUpdate MessageKind = "system-update"
	KindTaskRequest  MessageKind = "task-request"
	KindConflict     MessageKind = "conflict-alert"
	KindHealthCheck  MessageKind = "health-check"
)

var validKinds = map[MessageKind]bool{
	KindTaskHandoff:  true,
	KindStatusUpdate: true,
	KindSystemUpdate: true,
	KindTaskRequest:  true,
	KindConflict:     true,
	KindHealthCheck:  true,
}

// ValidKind reports whether k is a known message kind.
func ValidKind(k MessageKind) bool { return validKinds[k] }

// Message is a store-and-forward note between instances. Messages are never
// deleted; read and ack flags are mutated by recipients.
type Message struct {
	ID             string         `json:"id"`
	Sender         string         `json:"sender"`
	Recipient      string         `json:"recipient"`
	Kind           MessageKind    `json:"kind"`
	Payload        MessagePayload `json:"payload"`
	Timestamp      time.Time      `json:"timestamp"`
	LamportTS      int64          `json:"lamport_ts"`
	Read           bool           `json:"read"`
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
}

// IsBroadcast reports whether the message addresses every instance.
func (m Message) IsBroadcast() bool { return m.Recipient == BroadcastRecipient }

// AckStatus is the acknowledgement state of one message.
type AckStatus struct {
	Acknowledged bool       `json:"acknowledged"`
	By           string     `json:"by,omitempty"`
	At           *time.Time `json:"at,omitempty"`
}

// MessagePayload is a tagged union: the section matching the message kind
// must be set, the others are optional.
type MessagePayload struct {
	Handoff  *HandoffPayload `json:"handoff,omitempty"`
	Task     *WorkItem       `json:"task,omitempty"`
	Conflict *ConflictAlert  `json:"conflict,omitempty"`
	Status   *StatusPayload  `json:"status,omitempty"`
	Health   *HealthReport   `json:"health,omitempty"`
	Text     string          `json:"text,omitempty"`
}

// HandoffPayload asks the recipient to take over a task.
type HandoffPayload struct {
	TaskID       string `json:"task_id"`
	Reason       string `json:"reason"`
	FromInstance string `json:"from_instance"`
}

// ConflictAlert announces an arbitrated conflict.
type ConflictAlert struct {
	Kind   ConflictKind `json:"kind"`
	TaskA  string       `json:"task_a"`
	TaskB  string       `json:"task_b"`
	Winner string       `json:"winner"`
}

// StatusPayload carries a free-form state update.
type StatusPayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// Validate checks that the payload carries the section kind requires.
func (p MessagePayload) Validate(kind MessageKind) error {
	if !ValidKind(kind) {
		return fmt.Errorf("%w: unknown message kind %q", ErrInvalidPayload, kind)
	}
	switch kind {
	case KindTaskHandoff:
		if p.Handoff == nil || p.Handoff.TaskID == "" {
			return fmt.Errorf("%w: %s requires a handoff task id", ErrInvalidPayload, kind)
		}
	case KindTaskRequest:
		if p.Task == nil {
			return fmt.Errorf("%w: %s requires a task", ErrInvalidPayload, kind)
		}
	case KindConflict:
		if p.Conflict == nil {
			return fmt.Errorf("%w: %s requires conflict details", ErrInvalidPayload, kind)
		}
	case KindStatusUpdate, KindSystemUpdate:
		if p.Status == nil && p.Health == nil && p.Text == "" {
			return fmt.Errorf("%w: %s requires a status, health report or text", ErrInvalidPayload, kind)
		}
	}
	return nil
}
