// Package coordinator is the facade one agent process uses to take part in
// a peer group.
//
// A Coordinator owns the registry, distributor, conflict resolver and
// message channel built over one shared store, plus the background workers
// that keep this agent visible: heartbeat, staleness sweep and the receive
// loop. Construct one per process and pass it to whatever needs it.
//
// A submitted work item moves through
//
//	submitted -> lock acquired (optional) -> distributed -> notified
//
// and never reaches distributed if a required lock is denied.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/daviddao/peermesh/pkg/conflict"
	"github.com/daviddao/peermesh/pkg/distributor"
	"github.com/daviddao/peermesh/pkg/lockmgr"
	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/messaging"
	"github.com/daviddao/peermesh/pkg/model"
	"github.com/daviddao/peermesh/pkg/registry"
	"github.com/daviddao/peermesh/pkg/store"
)

var (
	// ErrLockAcquisitionFailed is returned by Submit when the item requires
	// a lock and the lock manager does not grant it.
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

	// ErrNotRegistered is returned by operations that act as this agent
	// before RegisterSelf has succeeded.
	ErrNotRegistered = errors.New("coordinator not registered")
)

// DefaultHeartbeatInterval is how often a running coordinator heartbeats.
const DefaultHeartbeatInterval = 60 * time.Second

// LockManager provides task-level mutual exclusion. The coordinator
// assumes nothing about it beyond these three operations.
type LockManager interface {
	Acquire(ctx context.Context, taskID string, metadata map[string]string) (bool, error)
	Release(taskID string) (bool, error)
	ListMyLocks() ([]string, error)
}

// Config holds everything New needs. Store is required; zero durations
// take their package defaults.
type Config struct {
	Store  store.StoreInterface
	Logger *logging.Logger

	StaleTimeout      time.Duration
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HistoryLimit      int

	// Watch adds a file watch on the store so peer writes wake the
	// receive loop early.
	Watch bool

	// LockTTL and LockWait configure the default store-backed lock manager.
	LockTTL  time.Duration
	LockWait time.Duration

	// NewLockManager builds the lock manager once the agent id is known.
	// Nil means the store-backed lockmgr.
	NewLockManager func(selfID string) LockManager

	// Now replaces the wall clock, for tests.
	Now func() time.Time
}

// Coordinator is one agent's view of the peer group.
type Coordinator struct {
	cfg         Config
	store       store.StoreInterface
	registry    *registry.Registry
	distributor *distributor.Distributor
	resolver    *conflict.Resolver
	channel     *messaging.Channel
	logger      *logging.Logger
	now         func() time.Time

	mu    sync.RWMutex
	self  *model.Instance
	locks LockManager

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     *conc.WaitGroup
}

// New wires the components over cfg.Store.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = registry.DefaultStaleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = registry.DefaultSweepInterval
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = conflict.DefaultHistoryLimit
	}

	reg := registry.New(cfg.Store,
		registry.WithStaleTimeout(cfg.StaleTimeout),
		registry.WithSweepInterval(cfg.SweepInterval),
		registry.WithLogger(cfg.Logger),
		registry.WithNow(cfg.Now),
	)
	chanOpts := []messaging.Option{
		messaging.WithPollInterval(cfg.PollInterval),
		messaging.WithLogger(cfg.Logger),
		messaging.WithNow(cfg.Now),
	}
	if cfg.Watch {
		chanOpts = append(chanOpts, messaging.WithWatch(cfg.Store.Path()))
	}

	c := &Coordinator{
		cfg:      cfg,
		store:    cfg.Store,
		registry: reg,
		distributor: distributor.New(reg,
			distributor.WithLogger(cfg.Logger),
			distributor.WithNow(cfg.Now),
		),
		resolver: conflict.New(
			conflict.WithHistoryLimit(cfg.HistoryLimit),
			conflict.WithLogger(cfg.Logger),
			conflict.WithNow(cfg.Now),
		),
		channel: messaging.New(cfg.Store, chanOpts...),
		logger:  cfg.Logger.WithComponent("coordinator"),
		now:     cfg.Now,
	}
	c.installDefaultHandlers()
	return c, nil
}

// Registry exposes the underlying registry.
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Channel exposes the underlying message channel.
func (c *Coordinator) Channel() *messaging.Channel { return c.channel }

// RegisterSelf registers this agent and binds the lock manager to its id.
func (c *Coordinator) RegisterSelf(info model.RegisterInfo) (string, error) {
	id, err := c.registry.Register(info)
	if err != nil {
		return "", err
	}
	inst, ok, err := c.registry.Get(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("instance %s vanished right after registration", id)
	}
	c.attach(*inst)
	return id, nil
}

// Attach binds the coordinator to an instance registered earlier, for
// processes that resume an existing identity instead of registering anew.
func (c *Coordinator) Attach(id string) error {
	inst, ok, err := c.registry.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("attach %s: %w", id, ErrNotRegistered)
	}
	c.attach(*inst)
	return nil
}

func (c *Coordinator) attach(inst model.Instance) {
	var locks LockManager
	if c.cfg.NewLockManager != nil {
		locks = c.cfg.NewLockManager(inst.ID)
	} else {
		locks = lockmgr.New(c.store, inst.ID,
			lockmgr.WithTTL(c.cfg.LockTTL),
			lockmgr.WithWait(c.cfg.LockWait),
			lockmgr.WithLogger(c.cfg.Logger),
			lockmgr.WithNow(c.now),
		)
	}

	c.mu.Lock()
	c.self = &inst
	c.locks = locks
	c.logger = c.cfg.Logger.WithComponent("coordinator").WithInstance(inst.ID)
	c.mu.Unlock()
}

// SelfID returns this agent's id, or "" before registration.
func (c *Coordinator) SelfID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.self == nil {
		return ""
	}
	return c.self.ID
}

func (c *Coordinator) identity() (model.Instance, LockManager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.self == nil {
		return model.Instance{}, nil, ErrNotRegistered
	}
	return *c.self, c.locks, nil
}

func (c *Coordinator) log() *logging.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// DiscoverPeers returns live instances other than this agent, ordered by
// ascending load.
func (c *Coordinator) DiscoverPeers() ([]model.Instance, error) {
	all, err := c.registry.Discover(false)
	if err != nil {
		return nil, err
	}
	self := c.SelfID()
	peers := all[:0]
	for _, inst := range all {
		if inst.ID != self {
			peers = append(peers, inst)
		}
	}
	return peers, nil
}

// Submit locks (when requested), distributes, and notifies the chosen
// instance with a task-request. A lock taken here is released again if
// distribution fails. If only the notification fails, the instance is
// returned together with the error and the lock stays held.
func (c *Coordinator) Submit(ctx context.Context, item *model.WorkItem) (model.Instance, error) {
	self, locks, err := c.identity()
	if err != nil {
		return model.Instance{}, err
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = c.now()
	}
	if err := item.Validate(); err != nil {
		return model.Instance{}, err
	}
	logger := c.log().With("task_id", item.ID)

	locked := false
	if item.Payload.RequireLock {
		ok, err := locks.Acquire(ctx, item.ID, item.Payload.LockMetadata)
		if err != nil {
			return model.Instance{}, fmt.Errorf("submit %s: %w: %w", item.ID, ErrLockAcquisitionFailed, err)
		}
		if !ok {
			logger.Warn("lock denied, task not distributed")
			return model.Instance{}, fmt.Errorf("submit %s: %w", item.ID, ErrLockAcquisitionFailed)
		}
		locked = true
	}

	inst, err := c.distributor.Distribute(item)
	if err != nil {
		if locked {
			if _, relErr := locks.Release(item.ID); relErr != nil {
				logger.Error("release after failed distribution", "error", relErr)
				err = errors.Join(err, relErr)
			}
		}
		return model.Instance{}, fmt.Errorf("submit %s: %w", item.ID, err)
	}

	task := *item
	if _, err := c.channel.Send(model.Message{
		Sender:    self.ID,
		Recipient: inst.ID,
		Kind:      model.KindTaskRequest,
		Payload:   model.MessagePayload{Task: &task},
	}); err != nil {
		return inst, fmt.Errorf("notify %s of %s: %w", inst.ID, item.ID, err)
	}
	logger.Info("task submitted", "instance", inst.ID, "locked", locked)
	return inst, nil
}

// HandoffStatus is the outcome of a handoff request.
type HandoffStatus string

const (
	HandoffSent    HandoffStatus = "sent"
	HandoffNoPeers HandoffStatus = "no-peers"
)

// HandoffResult reports where a handoff went.
type HandoffResult struct {
	Status         HandoffStatus `json:"status"`
	TargetInstance string        `json:"target_instance,omitempty"`
	MessageID      string        `json:"message_id,omitempty"`
}

// RequestHandoff sends a task-handoff for taskID to the peer with the
// lowest load ratio. Having no peers is reported in the result, not as an
// error.
func (c *Coordinator) RequestHandoff(taskID, reason string) (HandoffResult, error) {
	self, _, err := c.identity()
	if err != nil {
		return HandoffResult{}, err
	}
	peers, err := c.DiscoverPeers()
	if err != nil {
		return HandoffResult{}, err
	}
	if len(peers) == 0 {
		c.log().Info("handoff requested with no peers", "task_id", taskID)
		return HandoffResult{Status: HandoffNoPeers}, nil
	}

	target := peers[0]
	for _, p := range peers[1:] {
		if p.LoadRatio() < target.LoadRatio() {
			target = p
		}
	}
	id, err := c.channel.Send(model.Message{
		Sender:    self.ID,
		Recipient: target.ID,
		Kind:      model.KindTaskHandoff,
		Payload: model.MessagePayload{Handoff: &model.HandoffPayload{
			TaskID:       taskID,
			Reason:       reason,
			FromInstance: self.ID,
		}},
	})
	if err != nil {
		return HandoffResult{}, fmt.Errorf("handoff %s: %w", taskID, err)
	}
	c.log().Info("handoff sent", "task_id", taskID, "target", target.ID, "message_id", id)
	return HandoffResult{Status: HandoffSent, TargetInstance: target.ID, MessageID: id}, nil
}

// Arbitrate detects and resolves a conflict between a and b. It returns
// nil when they do not conflict. A found conflict is broadcast as a
// conflict-alert when this agent is registered.
func (c *Coordinator) Arbitrate(a, b model.WorkItem) (*model.Resolution, error) {
	cf, ok := c.resolver.Detect(a, b)
	if !ok {
		return nil, nil
	}
	res := c.resolver.Resolve(*cf)

	self := c.SelfID()
	if self == "" {
		return &res, nil
	}
	if _, err := c.channel.Broadcast(model.Message{
		Sender: self,
		Kind:   model.KindConflict,
		Payload: model.MessagePayload{Conflict: &model.ConflictAlert{
			Kind:   cf.Kind,
			TaskA:  a.ID,
			TaskB:  b.ID,
			Winner: res.Winner.ID,
		}},
	}); err != nil {
		return &res, fmt.Errorf("broadcast conflict alert: %w", err)
	}
	return &res, nil
}

// Detect reports whether a and b conflict without resolving or recording it.
func (c *Coordinator) Detect(a, b model.WorkItem) (*model.Conflict, bool) {
	return c.resolver.Detect(a, b)
}

// Merge combines two compatible work items; see conflict.Resolver.Merge.
func (c *Coordinator) Merge(a, b model.WorkItem) (*model.WorkItem, bool) {
	return c.resolver.Merge(a, b)
}

// Rebalance returns advisory load moves; nothing is moved.
func (c *Coordinator) Rebalance() (model.RebalancePlan, error) {
	return c.distributor.Rebalance()
}

// History returns this process's distribution history.
func (c *Coordinator) History() []model.Assignment { return c.distributor.History() }

// HistoryFor returns assignments this process made to instanceID.
func (c *Coordinator) HistoryFor(instanceID string) []model.Assignment {
	return c.distributor.HistoryFor(instanceID)
}

// Resolutions returns the retained conflict resolutions.
func (c *Coordinator) Resolutions() []model.Resolution { return c.resolver.History() }

// CheckHealth aggregates load over every registered instance, stale ones
// included.
func (c *Coordinator) CheckHealth() (model.HealthReport, error) {
	all, err := c.registry.Discover(true)
	if err != nil {
		return model.HealthReport{}, err
	}
	return model.NewHealthReport(all), nil
}

// ProcessMessages runs one poll of this agent's inbox.
func (c *Coordinator) ProcessMessages(ctx context.Context) (int, error) {
	self := c.SelfID()
	if self == "" {
		return 0, ErrNotRegistered
	}
	return c.channel.PollOnce(ctx, self)
}

// Handle overrides the handler for kind.
func (c *Coordinator) Handle(kind model.MessageKind, h messaging.Handler) {
	c.channel.Handle(kind, h)
}

// Start launches the heartbeat, sweep and receive workers. They run until
// Stop, Shutdown, or cancellation of ctx.
func (c *Coordinator) Start(ctx context.Context) error {
	self, _, err := c.identity()
	if err != nil {
		return err
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.wg != nil {
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg = conc.NewWaitGroup()
	c.wg.Go(func() { c.heartbeatLoop(ctx) })
	c.wg.Go(func() { c.registry.RunSweeps(ctx) })
	c.wg.Go(func() {
		if err := c.channel.Run(ctx, self.ID); err != nil {
			c.log().Error("receive loop exited", "error", err)
		}
	})
	c.log().Info("coordinator started",
		"heartbeat", c.cfg.HeartbeatInterval.String(),
		"sweep", c.cfg.SweepInterval.String())
	return nil
}

// Stop cancels the workers and waits for them to exit. Safe to call more
// than once.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.wg == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.wg = nil
	c.cancel = nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(); err != nil {
				c.log().Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// Heartbeat refreshes this agent's last-seen and its snapshot of the
// registry row. If a sweep already removed the agent, it rejoins under the
// same id with the load and capabilities from the last snapshot.
func (c *Coordinator) Heartbeat() error {
	self, _, err := c.identity()
	if err != nil {
		return err
	}
	ok, err := c.registry.Heartbeat(self.ID)
	if err != nil {
		return err
	}
	if !ok {
		c.log().Warn("instance missing from registry, rejoining", "load", self.CurrentLoad)
		return c.registry.Rejoin(self)
	}

	inst, found, err := c.registry.Get(self.ID)
	if err != nil || !found {
		// Keep the previous snapshot; the next heartbeat retries.
		return err
	}
	c.mu.Lock()
	if c.self != nil && c.self.ID == inst.ID {
		c.self = inst
	}
	c.mu.Unlock()
	return nil
}

// Shutdown stops the workers, releases every lock this agent holds, then
// deregisters it. Deregistration is attempted even if releases fail, and
// all errors are joined.
func (c *Coordinator) Shutdown() error {
	c.Stop()

	self, locks, err := c.identity()
	if err != nil {
		return nil
	}

	var errs []error
	held, err := locks.ListMyLocks()
	if err != nil {
		errs = append(errs, fmt.Errorf("list locks: %w", err))
	}
	for _, taskID := range held {
		if _, err := locks.Release(taskID); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", taskID, err))
		}
	}
	if _, err := c.registry.Deregister(self.ID); err != nil {
		errs = append(errs, fmt.Errorf("deregister %s: %w", self.ID, err))
	}

	c.log().Info("coordinator shut down", "released_locks", len(held), "errors", len(errs))
	return errors.Join(errs...)
}
