package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidLogLevels returns the accepted logging.level values.
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks c and returns every problem found.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		add("store.path", c.Store.Path, "must not be empty")
	}
	if c.Agent.MaxCapacity <= 0 {
		add("agent.max_capacity", c.Agent.MaxCapacity, "must be positive")
	}
	if c.Agent.CurrentLoad < 0 {
		add("agent.current_load", c.Agent.CurrentLoad, "must not be negative")
	}
	if c.Registry.StaleTimeoutSeconds <= 0 {
		add("registry.stale_timeout_seconds", c.Registry.StaleTimeoutSeconds, "must be positive")
	}
	if c.Registry.SweepIntervalSeconds <= 0 {
		add("registry.sweep_interval_seconds", c.Registry.SweepIntervalSeconds, "must be positive")
	}
	if c.Messaging.PollIntervalMs <= 0 {
		add("messaging.poll_interval_ms", c.Messaging.PollIntervalMs, "must be positive")
	}
	if c.Coordinator.HeartbeatIntervalSeconds <= 0 {
		add("coordinator.heartbeat_interval_seconds", c.Coordinator.HeartbeatIntervalSeconds, "must be positive")
	}
	if c.Coordinator.HeartbeatIntervalSeconds >= c.Registry.StaleTimeoutSeconds && c.Registry.StaleTimeoutSeconds > 0 {
		add("coordinator.heartbeat_interval_seconds", c.Coordinator.HeartbeatIntervalSeconds,
			"must be shorter than registry.stale_timeout_seconds or live agents get swept")
	}
	if c.Coordinator.HistoryLimit <= 0 {
		add("coordinator.history_limit", c.Coordinator.HistoryLimit, "must be positive")
	}
	if c.Locks.TTLSeconds <= 0 {
		add("locks.ttl_seconds", c.Locks.TTLSeconds, "must be positive")
	}
	if c.Locks.WaitSeconds < 0 {
		add("locks.wait_seconds", c.Locks.WaitSeconds, "must not be negative")
	}
	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		add("logging.level", c.Logging.Level, "must be one of "+strings.Join(ValidLogLevels(), ", "))
	}
	return errs
}
