package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a YAML file. ${ENV_VAR} references
// are expanded before parsing; an unset variable expands to the empty string.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "dispatchd"
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = "INFO"
	}
	if cfg.Service.TickInterval <= 0 {
		cfg.Service.TickInterval = time.Minute
	}
	if cfg.Service.BatchSize <= 0 {
		cfg.Service.BatchSize = 10
	}
	if cfg.State.LockPath == "" && cfg.State.Path != "" {
		cfg.State.LockPath = filepath.Join(filepath.Dir(cfg.State.Path), "dispatchd.pid")
	}
	if cfg.Gateway.AuthHeader == "" {
		cfg.Gateway.AuthHeader = "X-API-Key"
	}
}

func validate(cfg *Config) error {
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Gateway.Enabled {
		if cfg.Gateway.Listen == "" {
			return fmt.Errorf("gateway.listen is required when gateway is enabled")
		}
		for entity, target := range cfg.Gateway.Targets {
			if entity == "" {
				return fmt.Errorf("gateway.targets contains an empty entity name")
			}
			u, err := url.Parse(target)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("gateway.targets[%s]: %q is not an absolute URL", entity, target)
			}
		}
	}
	return nil
}
