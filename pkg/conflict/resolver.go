// Package conflict detects and arbitrates overlapping work items.
//
// The resolver does no I/O. Its only state is a bounded history of the
// resolutions it produced, kept for inspection.
package conflict

import (
	"slices"
	"sync"
	"time"

	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
)

// DefaultHistoryLimit bounds the resolution history.
const DefaultHistoryLimit = 100

// Resolver detects, resolves and merges conflicting work items.
type Resolver struct {
	limit  int
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []model.Resolution
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHistoryLimit sets how many resolutions are retained. Values below one
// keep a single entry.
func WithHistoryLimit(n int) Option {
	return func(r *Resolver) { r.limit = max(n, 1) }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New creates a Resolver.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		limit:  DefaultHistoryLimit,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("conflict")
	return r
}

// Detect reports whether a and b conflict. Two file edits on the same path
// with intersecting line ranges are a file-range overlap; otherwise any
// shared resource name is a resource overlap. Detect(a, b) and Detect(b, a)
// report the same kind.
func (r *Resolver) Detect(a, b model.WorkItem) (*model.Conflict, bool) {
	kind, ok := detectKind(a, b)
	if !ok {
		return nil, false
	}
	return &model.Conflict{A: a, B: b, Kind: kind, DetectedAt: r.now()}, true
}

func detectKind(a, b model.WorkItem) (model.ConflictKind, bool) {
	fa, fb := a.Payload.FileEdit, b.Payload.FileEdit
	if a.Type == model.TypeFileEdit && b.Type == model.TypeFileEdit &&
		fa != nil && fb != nil && fa.Path == fb.Path && fa.Overlaps(*fb) {
		return model.ConflictFileRange, true
	}
	for _, res := range a.Payload.Resources {
		if slices.Contains(b.Payload.Resources, res) {
			return model.ConflictResource, true
		}
	}
	return "", false
}

// Resolve picks the winner of c and records the resolution. Higher priority
// wins; on equal priority the older item wins; on equal creation times the
// smaller id wins, so the outcome never depends on argument order.
func (r *Resolver) Resolve(c model.Conflict) model.Resolution {
	winner, loser := c.A, c.B
	if beats(c.B, c.A) {
		winner, loser = c.B, c.A
	}
	res := model.Resolution{
		Conflict:   c,
		Strategy:   model.StrategyPriority,
		Winner:     winner,
		Loser:      loser,
		ResolvedAt: r.now(),
	}

	r.mu.Lock()
	r.history = append(r.history, res)
	if over := len(r.history) - r.limit; over > 0 {
		r.history = slices.Delete(r.history, 0, over)
	}
	r.mu.Unlock()

	r.logger.Info("conflict resolved", "kind", string(c.Kind),
		"winner", winner.ID, "loser", loser.ID, "strategy", string(res.Strategy))
	return res
}

// beats reports whether x takes precedence over y.
func beats(x, y model.WorkItem) bool {
	if x.Priority != y.Priority {
		return x.Priority > y.Priority
	}
	if c := x.CreatedAt.Compare(y.CreatedAt); c != 0 {
		return c < 0
	}
	return x.ID < y.ID
}

// Merge combines two test-suite items into one, running a's tests then
// b's. Returns false for any other pair of types.
func (r *Resolver) Merge(a, b model.WorkItem) (*model.WorkItem, bool) {
	if a.Type != b.Type || a.Type != model.TypeTestSuite {
		return nil, false
	}

	created := a.CreatedAt
	if b.CreatedAt.Before(created) {
		created = b.CreatedAt
	}
	merged := &model.WorkItem{
		ID:            a.ID + "+" + b.ID,
		Type:          model.TypeTestSuite,
		Priority:      max(a.Priority, b.Priority),
		EstimatedLoad: a.EstimatedLoad + b.EstimatedLoad,
		CreatedAt:     created,
		Payload: model.Payload{
			RequireLock: a.Payload.RequireLock || b.Payload.RequireLock,
			Tests:       slices.Concat(a.Payload.Tests, b.Payload.Tests),
			Resources:   union(a.Payload.Resources, b.Payload.Resources),
		},
	}
	r.logger.Debug("test suites merged", "a", a.ID, "b", b.ID, "tests", len(merged.Payload.Tests))
	return merged, true
}

func union(a, b []string) []string {
	var out []string
	for _, s := range slices.Concat(a, b) {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// History returns retained resolutions, oldest first.
func (r *Resolver) History() []model.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}
