// Package distributor assigns work items to the least loaded capable
// instance.
package distributor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/daviddao/peermesh/pkg/logging"
	"github.com/daviddao/peermesh/pkg/model"
)

// ErrNoCapableInstance is returned when no instance is registered at all.
// Having no instance with the right capability is not an error: the
// distributor falls back to the whole population.
var ErrNoCapableInstance = errors.New("no capable instance")

// Rebalance thresholds relative to the mean load.
const (
	overloadFactor  = 1.5
	underloadFactor = 0.5
)

// InstanceSource is what the distributor needs from the registry.
type InstanceSource interface {
	Discover(includeStale bool) ([]model.Instance, error)
	AddLoad(id string, delta float64) (bool, error)
}

// Distributor picks instances for work items and remembers its choices.
//
// Discovery and the load increment are separate store operations. Two
// processes distributing at the same moment can both pick the same instance
// before either increment lands; the increment itself is atomic, so load
// is never lost, only the choice can be suboptimal.
type Distributor struct {
	source InstanceSource
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	history []model.Assignment
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// WithNow replaces the wall clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// New creates a Distributor over source.
func New(source InstanceSource, opts ...Option) *Distributor {
	d := &Distributor{
		source: source,
		logger: logging.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.WithComponent("distributor")
	return d
}

// Distribute assigns item to an instance, records the assignment, and adds
// item.EstimatedLoad to the chosen instance. item.AssignedInstance is set
// and the returned instance carries its new load.
//
// Stale instances are candidates too, so distribution keeps working when
// the sweep has not run.
func (d *Distributor) Distribute(item *model.WorkItem) (model.Instance, error) {
	if err := item.Validate(); err != nil {
		return model.Instance{}, fmt.Errorf("distribute %s: %w", item.ID, err)
	}
	instances, err := d.source.Discover(true)
	if err != nil {
		return model.Instance{}, fmt.Errorf("distribute %s: %w", item.ID, err)
	}
	if len(instances) == 0 {
		return model.Instance{}, ErrNoCapableInstance
	}

	candidates := capable(instances, item.Type)
	if len(candidates) == 0 {
		d.logger.Warn("no instance has capability, falling back to all instances",
			"task_id", item.ID, "type", item.Type)
		candidates = instances
	}
	chosen := pick(candidates)

	ok, err := d.source.AddLoad(chosen.ID, item.EstimatedLoad)
	if err != nil {
		return model.Instance{}, fmt.Errorf("assign %s to %s: %w", item.ID, chosen.ID, err)
	}
	if !ok {
		// Deregistered between discovery and assignment.
		return model.Instance{}, fmt.Errorf("assign %s: instance %s vanished: %w", item.ID, chosen.ID, ErrNoCapableInstance)
	}
	chosen.CurrentLoad += item.EstimatedLoad
	item.AssignedInstance = chosen.ID

	a := model.Assignment{
		TaskID:        item.ID,
		TaskType:      item.Type,
		InstanceID:    chosen.ID,
		EstimatedLoad: item.EstimatedLoad,
		AssignedAt:    d.now(),
	}
	d.mu.Lock()
	d.history = append(d.history, a)
	d.mu.Unlock()

	d.logger.Info("task distributed", "task_id", item.ID, "type", item.Type,
		"instance", chosen.ID, "load", chosen.CurrentLoad, "capacity", chosen.MaxCapacity)
	return chosen, nil
}

func capable(instances []model.Instance, taskType string) []model.Instance {
	var out []model.Instance
	for _, inst := range instances {
		if inst.HasCapability(taskType) {
			out = append(out, inst)
		}
	}
	return out
}

// pick returns the candidate with the lowest load ratio. Ties prefer the
// larger capacity, then the earlier position in discovery order.
func pick(candidates []model.Instance) model.Instance {
	best := candidates[0]
	for _, c := range candidates[1:] {
		br, cr := best.LoadRatio(), c.LoadRatio()
		if cr < br || (cr == br && c.MaxCapacity > best.MaxCapacity) {
			best = c
		}
	}
	return best
}

// HistoryFor returns the assignments made to instanceID, oldest first.
func (d *Distributor) HistoryFor(instanceID string) []model.Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []model.Assignment
	for _, a := range d.history {
		if a.InstanceID == instanceID {
			out = append(out, a)
		}
	}
	return out
}

// History returns every assignment made by this distributor, oldest first.
func (d *Distributor) History() []model.Assignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Assignment, len(d.history))
	copy(out, d.history)
	return out
}

// Rebalance computes which instances are overloaded or underloaded
// relative to the mean and suggests moves between them. It never moves
// anything.
func (d *Distributor) Rebalance() (model.RebalancePlan, error) {
	instances, err := d.source.Discover(true)
	if err != nil {
		return model.RebalancePlan{}, fmt.Errorf("rebalance: %w", err)
	}
	var plan model.RebalancePlan
	if len(instances) == 0 {
		return plan, nil
	}

	var total float64
	for _, inst := range instances {
		total += inst.CurrentLoad
	}
	plan.MeanLoad = total / float64(len(instances))
	if plan.MeanLoad == 0 {
		return plan, nil
	}

	for _, inst := range instances {
		switch {
		case inst.CurrentLoad > overloadFactor*plan.MeanLoad:
			plan.Overloaded = append(plan.Overloaded, inst)
		case inst.CurrentLoad < underloadFactor*plan.MeanLoad:
			plan.Underloaded = append(plan.Underloaded, inst)
		}
	}
	plan.Moves = pairMoves(plan.Overloaded, plan.Underloaded, plan.MeanLoad)

	for _, m := range plan.Moves {
		d.logger.Info("rebalance suggestion", "from", m.From, "to", m.To, "load", m.Load)
	}
	if len(plan.Overloaded) > 0 && len(plan.Moves) == 0 {
		d.logger.Info("overloaded instances without underloaded peers", "count", len(plan.Overloaded))
	}
	return plan, nil
}

// pairMoves greedily matches the heaviest overloaded instance with the
// lightest underloaded one, moving min(excess, deficit) each time.
func pairMoves(over, under []model.Instance, mean float64) []model.Move {
	excess := make([]float64, len(over))
	o := append([]model.Instance(nil), over...)
	sort.SliceStable(o, func(i, j int) bool { return o[i].CurrentLoad > o[j].CurrentLoad })
	for i, inst := range o {
		excess[i] = inst.CurrentLoad - mean
	}
	deficit := make([]float64, len(under))
	u := append([]model.Instance(nil), under...)
	sort.SliceStable(u, func(i, j int) bool { return u[i].CurrentLoad < u[j].CurrentLoad })
	for i, inst := range u {
		deficit[i] = mean - inst.CurrentLoad
	}

	var moves []model.Move
	i, j := 0, 0
	for i < len(o) && j < len(u) {
		amount := math.Min(excess[i], deficit[j])
		moves = append(moves, model.Move{From: o[i].ID, To: u[j].ID, Load: amount})
		excess[i] -= amount
		deficit[j] -= amount
		if excess[i] <= 0 {
			i++
		}
		if deficit[j] <= 0 {
			j++
		}
	}
	return moves
}
