// Package config loads peermesh settings from defaults, an optional YAML
// file and PEERMESH_* environment variables, in increasing precedence.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PEERMESH_STORE_PATH for store.path.
const EnvPrefix = "PEERMESH"

// Config represents the complete peermesh configuration.
type Config struct {
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Agent       AgentConfig       `mapstructure:"agent" yaml:"agent"`
	Registry    RegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Messaging   MessagingConfig   `mapstructure:"messaging" yaml:"messaging"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator"`
	Locks       LocksConfig       `mapstructure:"locks" yaml:"locks"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// StoreConfig locates the shared database.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// AgentConfig describes this agent when it registers.
type AgentConfig struct {
	// ID resumes an existing registration instead of creating one.
	ID           string   `mapstructure:"id" yaml:"id"`
	Hostname     string   `mapstructure:"hostname" yaml:"hostname"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	MaxCapacity  int      `mapstructure:"max_capacity" yaml:"max_capacity"`
	CurrentLoad  float64  `mapstructure:"current_load" yaml:"current_load"`
}

// RegistryConfig controls liveness tracking.
type RegistryConfig struct {
	StaleTimeoutSeconds  int `mapstructure:"stale_timeout_seconds" yaml:"stale_timeout_seconds"`
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// MessagingConfig controls the receive loop.
type MessagingConfig struct {
	PollIntervalMs int `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	// Watch wakes the receive loop on writes to the store file.
	Watch bool `mapstructure:"watch" yaml:"watch"`
}

// CoordinatorConfig controls the coordinator's own workers.
type CoordinatorConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	HistoryLimit             int `mapstructure:"history_limit" yaml:"history_limit"`
}

// LocksConfig controls the store-backed lock manager.
type LocksConfig struct {
	TTLSeconds  int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
	WaitSeconds int `mapstructure:"wait_seconds" yaml:"wait_seconds"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives peermesh.log. Empty logs to stderr.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DefaultDir holds the store and logs when no path is configured.
const DefaultDir = ".peermesh"

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: filepath.Join(DefaultDir, "peermesh.db")},
		Agent: AgentConfig{
			Capabilities: []string{},
			MaxCapacity:  10,
		},
		Registry: RegistryConfig{
			StaleTimeoutSeconds:  300,
			SweepIntervalSeconds: 300,
		},
		Messaging: MessagingConfig{
			PollIntervalMs: 1000,
		},
		Coordinator: CoordinatorConfig{
			HeartbeatIntervalSeconds: 60,
			HistoryLimit:             100,
		},
		Locks: LocksConfig{
			TTLSeconds: 3600,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   DefaultDir,
		},
	}
}

// SetDefaults registers every default on v and wires environment lookup.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("agent.id", d.Agent.ID)
	v.SetDefault("agent.hostname", d.Agent.Hostname)
	v.SetDefault("agent.capabilities", d.Agent.Capabilities)
	v.SetDefault("agent.max_capacity", d.Agent.MaxCapacity)
	v.SetDefault("agent.current_load", d.Agent.CurrentLoad)

	v.SetDefault("registry.stale_timeout_seconds", d.Registry.StaleTimeoutSeconds)
	v.SetDefault("registry.sweep_interval_seconds", d.Registry.SweepIntervalSeconds)

	v.SetDefault("messaging.poll_interval_ms", d.Messaging.PollIntervalMs)
	v.SetDefault("messaging.watch", d.Messaging.Watch)

	v.SetDefault("coordinator.heartbeat_interval_seconds", d.Coordinator.HeartbeatIntervalSeconds)
	v.SetDefault("coordinator.history_limit", d.Coordinator.HistoryLimit)

	v.SetDefault("locks.ttl_seconds", d.Locks.TTLSeconds)
	v.SetDefault("locks.wait_seconds", d.Locks.WaitSeconds)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile points v at an explicit config file, or searches ./peermesh.yaml
// and the user config directory. A missing file is not an error.
func ReadFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		return v.ReadInConfig()
	}
	v.SetConfigName("peermesh")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(ConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// ConfigDir returns the user configuration directory for peermesh.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "peermesh")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultDir
	}
	return filepath.Join(home, ".config", "peermesh")
}

// StaleTimeout returns the staleness timeout as a duration.
func (c *RegistryConfig) StaleTimeout() time.Duration {
	return time.Duration(c.StaleTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweep period as a duration.
func (c *RegistryConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// PollInterval returns the receive loop period as a duration.
func (c *MessagingConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c *CoordinatorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// TTL returns the lock lease duration.
func (c *LocksConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Wait returns how long lock acquisition retries.
func (c *LocksConfig) Wait() time.Duration {
	return time.Duration(c.WaitSeconds) * time.Second
}
