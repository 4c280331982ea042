// Package model defines the core domain types for peermesh.
//
// Peermesh coordinates independent agent processes sharing one workspace.
// Every agent reads and writes a single SQLite file; the types here are the
// rows of that file plus the ephemeral values computed from them:
//
//   - Instance: a registered agent with capabilities, load and liveness.
//   - WorkItem: a unit of work assigned to exactly one instance.
//   - Conflict and Resolution: overlap between two work items and its outcome.
//   - Message: a store-and-forward note between agents, acknowledgable.
package model

import (
	"math"
	"slices"
	"time"
)

// BroadcastRecipient is the recipient id that addresses every instance.
const BroadcastRecipient = "*"

// Defaults applied on registration when the caller leaves a field unset.
const (
	DefaultMaxCapacity = 10

	// healthyLoadFraction is the share of capacity below which an instance
	// counts as healthy.
	healthyLoadFraction = 0.9
)

// Instance represents a registered agent process.
type Instance struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname"`
	Capabilities []string  `json:"capabilities"`
	CurrentLoad  float64   `json:"current_load"`
	MaxCapacity  int       `json:"max_capacity"`
	LastSeen     time.Time `json:"last_seen"`
}

// HasCapability reports whether the instance advertises capability c.
func (i Instance) HasCapability(c string) bool {
	return slices.Contains(i.Capabilities, c)
}

// LoadRatio returns CurrentLoad / MaxCapacity. An instance without capacity
// reports +Inf so it never looks attractive to the distributor.
func (i Instance) LoadRatio() float64 {
	if i.MaxCapacity <= 0 {
		return math.Inf(1)
	}
	return i.CurrentLoad / float64(i.MaxCapacity)
}

// Healthy reports whether the instance runs below 90% of its capacity.
func (i Instance) Healthy() bool {
	return i.CurrentLoad < healthyLoadFraction*float64(i.MaxCapacity)
}

// StaleAt reports whether the instance was last seen before now - timeout.
func (i Instance) StaleAt(now time.Time, timeout time.Duration) bool {
	return i.LastSeen.Before(now.Add(-timeout))
}

// RegisterInfo is the configuration an agent supplies when registering.
// Every field is optional; see the registry for defaults.
type RegisterInfo struct {
	Hostname     string   `json:"hostname,omitempty" mapstructure:"hostname"`
	Capabilities []string `json:"capabilities" mapstructure:"capabilities"`
	CurrentLoad  float64  `json:"current_load,omitempty" mapstructure:"current_load"`
	MaxCapacity  int      `json:"max_capacity,omitempty" mapstructure:"max_capacity"`
}

// Assignment records one distribution decision.
type Assignment struct {
	TaskID        string    `json:"task_id"`
	TaskType      string    `json:"task_type"`
	InstanceID    string    `json:"instance_id"`
	EstimatedLoad float64   `json:"estimated_load"`
	AssignedAt    time.Time `json:"assigned_at"`
}

// Move is a suggested transfer of load between two instances.
type Move struct {
	From string  `json:"from"`
	To   string  `json:"to"`
	Load float64 `json:"load"`
}

// RebalancePlan is the output of a rebalance pass. It is advisory only.
type RebalancePlan struct {
	MeanLoad    float64    `json:"mean_load"`
	Overloaded  []Instance `json:"overloaded,omitempty"`
	Underloaded []Instance `json:"underloaded,omitempty"`
	Moves       []Move     `json:"moves,omitempty"`
}

// HealthReport summarizes load across the registered population.
type HealthReport struct {
	InstanceCount  int     `json:"instance_count"`
	HealthyCount   int     `json:"healthy_count"`
	TotalCapacity  int     `json:"total_capacity"`
	CurrentLoad    float64 `json:"current_load"`
	LoadPercentage float64 `json:"load_percentage"`
}

// NewHealthReport aggregates a health report over instances.
func NewHealthReport(instances []Instance) HealthReport {
	var r HealthReport
	for _, inst := range instances {
		r.InstanceCount++
		if inst.Healthy() {
			r.HealthyCount++
		}
		r.TotalCapacity += inst.MaxCapacity
		r.CurrentLoad += inst.CurrentLoad
	}
	if r.TotalCapacity > 0 {
		r.LoadPercentage = r.CurrentLoad / float64(r.TotalCapacity) * 100
	}
	return r
}

// TaskLock is a lease on a task id held by one instance.
type TaskLock struct {
	TaskID     string            `json:"task_id"`
	Holder     string            `json:"holder"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	AcquiredAt time.Time         `json:"acquired_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}
