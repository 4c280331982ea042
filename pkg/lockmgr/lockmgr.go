// Package lockmgr provides task-level mutual exclusion backed by the
// shared store's task_locks table.
//
// Locks are leases: each carries an expiry, and an expired lease is free to
// be taken by anyone. A holder re-acquiring its own lease extends it.
package lockmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
)

// DefaultTTL is the lease duration when none is configured.
const DefaultTTL = time.Hour

// retryInterval is the pause between attempts while waiting for a lock.
const retryInterval = 100 * time.Millisecond

// Store is the subset of the shared store the manager needs.
type Store interface {
	AcquireTaskLock(taskID, holder string, metadata map[string]string, ttl time.Duration, now time.Time) (*model.TaskLock, *model.TaskLock, error)
	ReleaseTaskLock(taskID, holder string) (bool, error)
	ListTaskLocksForHolder(holder string, now time.Time) ([]model.TaskLock, error)
}

// Manager acquires and releases task locks on behalf of one holder.
type Manager struct {
	store  Store
	holder string
	ttl    time.Duration
	wait   time.Duration
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease duration.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithWait makes Acquire keep retrying a held lock for up to d. The
// default is a single attempt.
func WithWait(d time.Duration) Option {
	return func(m *Manager) { m.wait = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager that holds locks as holder.
func New(s Store, holder string, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		holder: holder,
		ttl:    DefaultTTL,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("lockmgr")
	return m
}

// Holder returns the id locks are held under.
func (m *Manager) Holder() string { return m.holder }

// Acquire tries to lease taskID. It returns false, with no error, when
// another holder keeps the lease past the wait budget.
func (m *Manager) Acquire(ctx context.Context, taskID string, metadata map[string]string) (bool, error) {
	var expired <-chan time.Time
	if m.wait > 0 {
		// Real timer: the lease clock may be fixed in tests.
		timer := time.NewTimer(m.wait)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		granted, current, err := m.store.AcquireTaskLock(taskID, m.holder, metadata, m.ttl, m.now())
		if err != nil {
			return false, fmt.Errorf("acquire %s: %w", taskID, err)
		}
		if granted != nil {
			m.logger.Debug("lock acquired", "task_id", taskID, "expires_at", granted.ExpiresAt)
			return true, nil
		}
		if m.wait <= 0 {
			m.logger.Info("lock denied", "task_id", taskID, "holder", current.Holder)
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-expired:
			m.logger.Info("lock denied after wait", "task_id", taskID, "holder", current.Holder, "wait", m.wait)
			return false, nil
		case <-time.After(retryInterval):
		}
	}
}

// Release gives up the lease on taskID. Returns false if this holder did
// not hold it.
func (m *Manager) Release(taskID string) (bool, error) {
	ok, err := m.store.ReleaseTaskLock(taskID, m.holder)
	if err != nil {
		return false, fmt.Errorf("release %s: %w", taskID, err)
	}
	if ok {
		m.logger.Debug("lock released", "task_id", taskID)
	}
	return ok, nil
}

// ListMyLocks returns the task ids this holder currently leases.
func (m *Manager) ListMyLocks() ([]string, error) {
	locks, err := m.store.ListTaskLocksForHolder(m.holder, m.now())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(locks))
	for _, l := range locks {
		ids = append(ids, l.TaskID)
	}
	return ids, nil
}
