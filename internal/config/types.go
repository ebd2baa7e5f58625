package config

import "time"

// Config represents the complete dispatchd configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Gateway GatewayConfig `yaml:"gateway,omitempty"`
	Worker  WorkerConfig  `yaml:"worker,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name         string        `yaml:"name"`
	LogLevel     string        `yaml:"log_level"`
	TickInterval time.Duration `yaml:"tick_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

// StateConfig defines where the shared SQLite store and the poller pid lock
// live.
type StateConfig struct {
	Path     string `yaml:"path"`
	LockPath string `yaml:"lock_path,omitempty"`
}

// GatewayConfig defines the HTTP gateway settings.
type GatewayConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	AuthHeader string `yaml:"auth_header,omitempty"`
	// Targets maps an entity name to the downstream capability endpoint the
	// gateway proxies to.
	Targets map[string]string `yaml:"targets,omitempty"`
}

// WorkerConfig defines the poller settings.
type WorkerConfig struct {
	Enabled bool `yaml:"enabled"`
}
