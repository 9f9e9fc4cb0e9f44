// Copyright (c) 2025 ToeiRei
// KeyFleet - SSH key deployment reconciliation engine
// This source code is licensed under the MIT license found in the LICENSE file.

// package config loads the engine configuration from file, environment and
// CLI flags via viper, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the full engine configuration tree.
type Config struct {
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Deploy   DeployConfig   `yaml:"deploy" mapstructure:"deploy"`
	Metrics  MetricsConfig  `yaml:"metrics" mapstructure:"metrics"`
	Debug    bool           `yaml:"debug" mapstructure:"debug"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Type string `yaml:"type" mapstructure:"type"`
	DSN  string `yaml:"dsn" mapstructure:"dsn"`
}

// EngineConfig tunes the worker pool and retry policy.
type EngineConfig struct {
	Workers      int           `yaml:"workers" mapstructure:"workers"`
	MaxRetries   int           `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffBase  time.Duration `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffCap   time.Duration `yaml:"backoff_cap" mapstructure:"backoff_cap"`
	LeaseTimeout time.Duration `yaml:"lease_timeout" mapstructure:"lease_timeout"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	PruneAfter   time.Duration `yaml:"prune_after" mapstructure:"prune_after"`
}

// DeployConfig holds transport settings for the remote applier.
type DeployConfig struct {
	PrivateKeyPath string        `yaml:"private_key_path" mapstructure:"private_key_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	OpTimeout      time.Duration `yaml:"op_timeout" mapstructure:"op_timeout"`
	// Paths maps an OS family to its authorized_keys path convention.
	// Relative paths are resolved against the remote account's home
	// directory; a "%s" placeholder expands to the remote username.
	Paths map[string]string `yaml:"paths" mapstructure:"paths"`
}

// MetricsConfig controls the /metrics listener. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// Defaults returns the viper default map used when no config is present.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":           "sqlite",
		"database.dsn":            "./keyfleet.db",
		"engine.workers":          4,
		"engine.max_retries":      3,
		"engine.backoff_base":     "30s",
		"engine.backoff_cap":      "10m",
		"engine.lease_timeout":    "3m",
		"engine.poll_interval":    "5s",
		"engine.prune_after":      "168h",
		"deploy.connect_timeout":  "10s",
		"deploy.op_timeout":       "60s",
		"deploy.private_key_path": "",
		"metrics.addr":            "",
		"debug":                   false,
	}
}

// getConfigPath returns the full path for the configuration file.
func getConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "KeyFleet")
		default:
			configDir = "/etc/keyfleet"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "keyfleet")
	}

	return filepath.Join(configDir, "keyfleet.yaml"), nil
}

// Load reads the configuration for the given command. File locations, in
// order: explicit --config path, user config dir, /etc/keyfleet, CWD.
// Environment variables use the KEYFLEET_ prefix with dots replaced by
// underscores. Flags bound on the command take final precedence.
func Load(cmd *cobra.Command, explicitFile string) (Config, error) {
	var c Config
	v := viper.New()

	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keyfleet")
	v.SetConfigType("yaml")

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	}
	if userConfigPath, err := getConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := getConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; anything else is fatal.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return c, err
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvPrefix("keyfleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// WriteConfigFile persists the configuration as YAML to the standard
// location (user or system scope).
func WriteConfigFile(c *Config, system bool) error {
	path, err := getConfigPath(system)
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}

	// 0600: the file may point at secrets.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	return nil
}
