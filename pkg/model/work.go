package model

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidPayload is returned when a payload does not carry the section its
// work type or message kind requires.
var ErrInvalidPayload = errors.New("invalid payload")

// Known work item types. Other type tags are opaque and only matched against
// instance capabilities.
const (
	TypeFileEdit  = "file-edit"
	TypeTestSuite = "test-suite"
)

// WorkItem is a unit of work assignable to exactly one instance. Assignment
// is a reference (AssignedInstance), not a data move.
type WorkItem struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	Priority         int       `json:"priority"`
	EstimatedLoad    float64   `json:"estimated_load"`
	Payload          Payload   `json:"payload"`
	AssignedInstance string    `json:"assigned_instance,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Payload carries the typed sections a work item may declare.
type Payload struct {
	// RequireLock asks the coordinator to take a task lock before distribution.
	RequireLock  bool              `json:"require_lock,omitempty"`
	LockMetadata map[string]string `json:"lock_metadata,omitempty"`

	FileEdit   *FileEdit         `json:"file_edit,omitempty"`
	Resources  []string          `json:"resources,omitempty"`
	Tests      []string          `json:"tests,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FileEdit declares the file and the inclusive line range a file-edit item
// touches. Nil bounds are open: start defaults to 0, end to +Inf.
type FileEdit struct {
	Path      string `json:"path"`
	StartLine *int   `json:"start_line,omitempty"`
	EndLine   *int   `json:"end_line,omitempty"`
}

// Bounds returns the effective range, applying the open defaults. bounded
// is false when the end is open.
func (f FileEdit) Bounds() (start, end int, bounded bool) {
	if f.StartLine != nil {
		start = *f.StartLine
	}
	if f.EndLine == nil {
		return start, 0, false
	}
	return start, *f.EndLine, true
}

// Overlaps reports whether two line ranges on the same file intersect:
// a.start <= b.end && b.start <= a.end.
func (f FileEdit) Overlaps(o FileEdit) bool {
	aStart, aEnd, aBounded := f.Bounds()
	bStart, bEnd, bBounded := o.Bounds()
	if bBounded && aStart > bEnd {
		return false
	}
	if aBounded && bStart > aEnd {
		return false
	}
	return true
}

// Validate checks the estimated load and the payload. The load must be a
// non-negative number, since assignment only ever adds it to an instance.
func (w WorkItem) Validate() error {
	if math.IsNaN(w.EstimatedLoad) || math.IsInf(w.EstimatedLoad, 0) || w.EstimatedLoad < 0 {
		return fmt.Errorf("%w: estimated load %v must be a non-negative number", ErrInvalidPayload, w.EstimatedLoad)
	}
	return w.Payload.Validate(w.Type)
}

// Validate checks the payload against the item type.
func (p Payload) Validate(itemType string) error {
	if itemType != TypeFileEdit {
		return nil
	}
	if p.FileEdit == nil || p.FileEdit.Path == "" {
		return fmt.Errorf("%w: %s item requires a file path", ErrInvalidPayload, TypeFileEdit)
	}
	start, end, bounded := p.FileEdit.Bounds()
	if bounded && start > end {
		return fmt.Errorf("%w: line range %d-%d is inverted", ErrInvalidPayload, start, end)
	}
	return nil
}

// Line returns a pointer to n, for building FileEdit literals.
func Line(n int) *int { return &n }

// ConflictKind classifies an overlap between two work items.
type ConflictKind string

const (
	ConflictFileRange ConflictKind = "file-range-overlap"
	ConflictResource  ConflictKind = "resource-overlap"
)

// ResolutionStrategy names how a conflict was arbitrated.
type ResolutionStrategy string

const StrategyPriority ResolutionStrategy = "priority-based"

// Conflict is an overlap between two work items. It is never persisted.
type Conflict struct {
	A          WorkItem     `json:"a"`
	B          WorkItem     `json:"b"`
	Kind       ConflictKind `json:"kind"`
	DetectedAt time.Time    `json:"detected_at"`
}

// Resolution is the outcome of arbitrating a conflict.
type Resolution struct {
	Conflict   Conflict           `json:"conflict"`
	Strategy   ResolutionStrategy `json:"strategy"`
	Winner     WorkItem           `json:"winner"`
	Loser      WorkItem           `json:"loser"`
	ResolvedAt time.Time          `json:"resolved_at"`
}
