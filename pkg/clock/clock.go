// Package clock implements a Lamport logical clock.
//
// From Lamport (1978), two implementation rules govern the clock:
//
//	IR1 (internal event): Before any internal event, increment the clock.
//	IR2 (message receipt): On receiving a message with timestamp t,
//	     set the clock to max(own, t) + 1.
//
// Peermesh stamps every message with the sender's clock so that messages
// written in the same wall-clock instant still have a causal order, and uses
// TotalOrderLess to break ties between equal stamps.
//
// Unlike a per-invocation CLI clock, a coordinator shares one Clock between
// its request path and its receive loop, so Clock is goroutine-safe.
package clock

import "sync"

// Clock is a goroutine-safe Lamport logical clock. The zero value is ready
// to use and starts at 0.
type Clock struct {
	mu sync.Mutex
	ts int64
}

// Tick implements IR1: increment the clock before an internal event.
// Returns the new timestamp.
func (c *Clock) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Receive implements IR2: set the clock to max(own, received) + 1.
// Returns the new timestamp.
func (c *Clock) Receive(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Observe advances the clock to received without counting an event. Used
// when seeding from the store, where the highest persisted stamp is known
// but nothing has been received yet.
func (c *Clock) Observe(received int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
}

// Value returns the current clock value without advancing it.
func (c *Clock) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// TotalOrderLess defines a deterministic total order over stamped events.
// Event A is "less" (has priority) if:
//
//	tsA < tsB, or
//	tsA == tsB and idA < idB (lexicographic)
//
// The receive loop dispatches messages in this order of (Lamport stamp, id).
func TotalOrderLess(tsA int64, idA string, tsB int64, idB string) bool {
	if tsA != tsB {
		return tsA < tsB
	}
	return idA < idB
}
