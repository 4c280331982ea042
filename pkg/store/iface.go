package store

import (
	"time"

	"github.com/daviddao/peermesh/pkg/model"
)

// StoreInterface is the full set of store operations. Components accept
// narrower interfaces of their own; this one exists so the cmd layer and
// tests can depend on the whole surface without the concrete type.
type StoreInterface interface {
	Close() error
	Path() string

	// --- Instances ---

	InsertInstance(inst model.Instance) error
	GetInstance(id string) (*model.Instance, error)
	ListInstances() ([]model.Instance, error)
	TouchInstance(id string, at time.Time) (bool, error)
	SetInstanceLoad(id string, load float64, at time.Time) (bool, error)
	AddInstanceLoad(id string, delta float64) (bool, error)
	DeleteInstance(id string) (bool, error)
	DeleteInstancesSeenBefore(cutoff time.Time) (int64, error)
	ResetInstances() error

	// --- Messages ---

	InsertMessage(m model.Message) error
	GetMessage(id string) (*model.Message, error)
	ListMessagesFor(recipient string, onlyUnread bool) ([]model.Message, error)
	MarkRead(recipient string, msgs []model.Message, at time.Time) error
	AckMessage(id, by string, at time.Time) (bool, error)
	MaxLamport() int64
	CountMessages() int64

	// --- Task locks ---

	AcquireTaskLock(taskID, holder string, metadata map[string]string, ttl time.Duration, now time.Time) (*model.TaskLock, *model.TaskLock, error)
	ReleaseTaskLock(taskID, holder string) (bool, error)
	ListTaskLocks(now time.Time) ([]model.TaskLock, error)
	ListTaskLocksForHolder(holder string, now time.Time) ([]model.TaskLock, error)

	// --- Maintenance ---

	IntegrityCheck() error
	Recreate() error
}

var _ StoreInterface = (*Store)(nil)
