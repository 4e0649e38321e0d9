package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a YAML file (with ${VAR}/${VAR:-default}
// expansion) and applies environment-variable overrides, defaults, and
// validation. Priority: environment variables > YAML file > defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadYAML(path, cfg); err != nil {
				return nil, fmt.Errorf("failed to load config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := ExpandEnv(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

// applyEnvOverrides applies the environment variables the agent
// recognizes directly.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROCESS_HERDER_SILENT_RECOVERY"); v != "" {
		cfg.Agent.SilentRecovery = truthy(v)
	}
	if v := os.Getenv("PROCESS_HERDER_CRASH_GRACE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Agent.CrashGraceMs = ms
		}
	}
	if v := os.Getenv("PROCESS_HERDER_LOG_LEVEL"); v != "" {
		cfg.Agent.LogLevel = v
	}
	if v := os.Getenv("PROCESS_HERDER_LOG_FORMAT"); v != "" {
		cfg.Agent.LogFormat = v
	}
	if v := os.Getenv("PROCESS_HERDER_STATE_DIR"); v != "" {
		cfg.Agent.StateDir = v
	}
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Save writes cfg back to path atomically (write-temp + rename), the same
// pattern internal/snapshot uses for the registry.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp config into place: %w", err)
	}
	return nil
}
