// Package registry tracks which agent instances are alive and how loaded
// they are.
//
// Instances live in the shared store's agent_instances table, so every
// process sees the same population. The registry owns the staleness sweep:
// once started, it periodically deletes instances that stopped heartbeating.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/store"
)

// Default timings.
const (
	DefaultStaleTimeout  = 5 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// ErrNegativeLoad is returned when a load report is below zero.
var ErrNegativeLoad = errors.New("load must not be negative")

// Store is the subset of the shared store the registry needs.
type Store interface {
	InsertInstance(inst model.Instance) error
	GetInstance(id string) (*model.Instance, error)
	ListInstances() ([]model.Instance, error)
	TouchInstance(id string, at time.Time) (bool, error)
	SetInstanceLoad(id string, load float64, at time.Time) (bool, error)
	AddInstanceLoad(id string, delta float64) (bool, error)
	DeleteInstance(id string) (bool, error)
	DeleteInstancesSeenBefore(cutoff time.Time) (int64, error)
	ResetInstances() error
}

// Registry records agent instances in the shared store.
type Registry struct {
	store         Store
	staleTimeout  time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger
	now           func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithStaleTimeout sets how long an instance may go without a heartbeat
// before discovery hides it and the sweep removes it.
func WithStaleTimeout(d time.Duration) Option {
	return func(r *Registry) { r.staleTimeout = d }
}

// WithSweepInterval sets the period of the background sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over s.
func New(s Store, opts ...Option) *Registry {
	r := &Registry{
		store:         s,
		staleTimeout:  DefaultStaleTimeout,
		sweepInterval: DefaultSweepInterval,
		logger:        logging.NopLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("registry")
	return r
}

// StaleTimeout returns the configured staleness timeout.
func (r *Registry) StaleTimeout() time.Duration { return r.staleTimeout }

// Register creates a new instance record and returns its id. A hostname is
// synthesized when absent and capacity defaults to DefaultMaxCapacity.
func (r *Registry) Register(info model.RegisterInfo) (string, error) {
	if info.CurrentLoad < 0 {
		return "", ErrNegativeLoad
	}
	inst := model.Instance{
		ID:           uuid.NewString(),
		Hostname:     info.Hostname,
		Capabilities: info.Capabilities,
		CurrentLoad:  info.CurrentLoad,
		MaxCapacity:  info.MaxCapacity,
		LastSeen:     r.now(),
	}
	if inst.Hostname == "" {
		inst.Hostname = defaultHostname(inst.ID)
	}
	if inst.MaxCapacity <= 0 {
		inst.MaxCapacity = model.DefaultMaxCapacity
	}
	if err := r.store.InsertInstance(inst); err != nil {
		return "", fmt.Errorf("register instance: %w", err)
	}
	r.logger.Info("instance registered", "id", inst.ID, "hostname", inst.Hostname,
		"capabilities", inst.Capabilities, "max_capacity", inst.MaxCapacity)
	return inst.ID, nil
}

// defaultHostname is the machine name plus a short id suffix, so several
// agents on one host stay distinguishable.
func defaultHostname(id string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "agent"
	}
	return host + "-" + id[:8]
}

// Rejoin re-inserts inst under its existing id with a fresh last-seen.
func (r *Registry) Rejoin(inst model.Instance) error {
	inst.LastSeen = r.now()
	if err := r.store.InsertInstance(inst); err != nil {
		return fmt.Errorf("rejoin %s: %w", inst.ID, err)
	}
	r.logger.Warn("instance rejoined", "id", inst.ID)
	return nil
}

// Get returns the instance with id. The bool is false for unknown ids.
func (r *Registry) Get(id string) (*model.Instance, bool, error) {
	inst, err := r.store.GetInstance(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return inst, true, nil
}

// Discover returns instances ordered by ascending load, ties by id. Unless
// includeStale is set, instances past the staleness timeout are omitted.
func (r *Registry) Discover(includeStale bool) ([]model.Instance, error) {
	all, err := r.store.ListInstances()
	if err != nil {
		return nil, fmt.Errorf("discover: %w", err)
	}
	if includeStale {
		return all, nil
	}
	now := r.now()
	live := all[:0]
	for _, inst := range all {
		if !inst.StaleAt(now, r.staleTimeout) {
			live = append(live, inst)
		}
	}
	return live, nil
}

// Heartbeat refreshes last-seen. Returns false if id is unknown, which
// means the instance was swept or never registered.
func (r *Registry) Heartbeat(id string) (bool, error) {
	return r.store.TouchInstance(id, r.now())
}

// UpdateLoad overwrites the instance's load and refreshes last-seen.
func (r *Registry) UpdateLoad(id string, load float64) (bool, error) {
	if load < 0 {
		return false, ErrNegativeLoad
	}
	return r.store.SetInstanceLoad(id, load, r.now())
}

// AddLoad increments the instance's load in a single statement.
func (r *Registry) AddLoad(id string, delta float64) (bool, error) {
	return r.store.AddInstanceLoad(id, delta)
}

// Deregister removes the instance.
func (r *Registry) Deregister(id string) (bool, error) {
	ok, err := r.store.DeleteInstance(id)
	if err == nil && ok {
		r.logger.Info("instance deregistered", "id", id)
	}
	return ok, err
}

// Sweep deletes every instance last seen before now - timeout and returns
// how many were removed.
func (r *Registry) Sweep(timeout time.Duration) (int, error) {
	n, err := r.store.DeleteInstancesSeenBefore(r.now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		r.logger.Info("swept stale instances", "removed", n, "timeout", timeout.String())
	}
	return int(n), nil
}

// Reinitialize drops and recreates the instance table. Every instance,
// including the caller's own, must register again afterwards.
func (r *Registry) Reinitialize() error {
	if err := r.store.ResetInstances(); err != nil {
		return fmt.Errorf("reinitialize registry: %w", err)
	}
	r.logger.Warn("registry reinitialized")
	return nil
}

// Start launches the background sweep. Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.started = true
	go r.sweepLoop(ctx, r.done)
}

// Stop halts the background sweep and waits for it to exit. Safe to call
// more than once, or without Start.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	done := r.done
	r.started = false
	r.mu.Unlock()
	<-done
}

// RunSweeps sweeps every interval until ctx is cancelled. Start wraps it in
// a goroutine; the coordinator calls it directly from its worker group.
func (r *Registry) RunSweeps(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(r.staleTimeout); err != nil {
				r.logger.Error("background sweep failed", "error", err)
			}
		}
	}
}

func (r *Registry) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	r.RunSweeps(ctx)
}
