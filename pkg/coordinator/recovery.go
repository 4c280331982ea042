package coordinator

import (
	"fmt"

	"github.com/daviddao/peermesh/pkg/store"
)

// CheckStore reports whether the shared store is usable. Damage is
// reported as an error wrapping store.ErrCorrupted; other failures are
// returned as they are.
func (c *Coordinator) CheckStore() error {
	if err := c.store.IntegrityCheck(); err != nil {
		return err
	}
	if _, err := c.registry.Discover(true); err != nil {
		if store.IsCorruption(err) {
			return fmt.Errorf("%w: %v", store.ErrCorrupted, err)
		}
		return err
	}
	return nil
}

// RecoverStore deletes and recreates the store file, then re-registers
// this agent under its existing id. Every instance, message and lock in
// the store is lost. It is never called automatically.
func (c *Coordinator) RecoverStore() error {
	c.log().Warn("recreating store, all coordination state will be lost", "path", c.store.Path())
	if err := c.store.Recreate(); err != nil {
		return fmt.Errorf("recover store: %w", err)
	}

	self, _, err := c.identity()
	if err != nil {
		return nil
	}
	if err := c.registry.Rejoin(self); err != nil {
		return fmt.Errorf("re-register after recovery: %w", err)
	}
	return nil
}
