// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.yaml.in/yaml/v3"
)

// ConfigFilePath is the default location for the configuration file.
const ConfigFilePath = "/etc/leaudiod/config.yaml"

// Config represents the complete leaudiod daemon configuration.
type Config struct {
	// Groups contains per-group tuning overrides, keyed by decimal group id.
	Groups map[string]GroupConfig `yaml:"groups" koanf:"groups"`

	// Default tuning applied to a group with no entry in Groups.
	Default GroupConfig `yaml:"default" koanf:"default"`

	// Watchdog settings.
	Watchdog WatchdogConfig `yaml:"watchdog" koanf:"watchdog"`

	// Monitor settings for the health endpoint.
	Monitor MonitorConfig `yaml:"monitor" koanf:"monitor"`
}

// GroupConfig contains per-group tunables: DSA defaults and the bounded
// CIS-establishment retry count.
type GroupConfig struct {
	DsaMode string `yaml:"dsa_mode" koanf:"dsa_mode"` // "free", "iso_sw", "iso_hw"
	CisMaxRetries int `yaml:"cis_max_retries" koanf:"cis_max_retries"` // bounded CIS-establishment retry count
	AsymmetricPhy bool `yaml:"asymmetric_phy" koanf:"asymmetric_phy"` // AsymmetricPhyForUnidirectionalCisSupported default
}

// WatchdogConfig contains the group-transition and autonomous-operation
// timer durations.
type WatchdogConfig struct {
	TransitionTimeout time.Duration `yaml:"transition_timeout" koanf:"transition_timeout"`
	AutonomousTimeout time.Duration `yaml:"autonomous_timeout" koanf:"autonomous_timeout"`
}

// MonitorConfig contains health-endpoint settings.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled" koanf:"enabled"`
	HealthAddr string `yaml:"health_addr" koanf:"health_addr"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 - Config path is from administrator-controlled configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// atomicFile abstracts file operations used by Save for testability.
type atomicFile interface {
	Write([]byte) (int, error)
	Sync() error
	Chmod(os.FileMode) error
	Close() error
	Name() string
}

// atomicCreateTemp is the injectable temp-file creator used by Save.
type atomicCreateTemp func(dir, pattern string) (atomicFile, error)

func defaultCreateTemp(dir, pattern string) (atomicFile, error) {
	return os.CreateTemp(dir, pattern) // #nosec G304
}

// Save writes the configuration to path atomically: write to a temp file
// in the same directory, sync, then rename, so a crash mid-write leaves
// either the old file or the new one, never a partial write.
func (c *Config) Save(path string) error {
	return c.saveWith(path, defaultCreateTemp)
}

func (c *Config) saveWith(path string, createTemp atomicCreateTemp) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)

	tmpFile, err := createTemp(dir, ".config.*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	// #nosec G302 - Config file restricted to owner+group for security
	if err := tmpFile.Chmod(0640); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp config file: %w", err)
	}

	success = true
	return nil
}

// GetGroupConfig returns tuning for a group id, falling back to defaults
// for an unset DsaMode or CisMaxRetries. AsymmetricPhy is always taken from
// the group's entry when one exists.
func (c *Config) GetGroupConfig(groupID string) GroupConfig {
	result := c.Default

	if g, ok := c.Groups[groupID]; ok {
		if g.DsaMode != "" {
			result.DsaMode = g.DsaMode
		}
		if g.CisMaxRetries != 0 {
			result.CisMaxRetries = g.CisMaxRetries
		}
		result.AsymmetricPhy = g.AsymmetricPhy
	}

	return result
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	if err := c.Default.Validate(); err != nil {
		return fmt.Errorf("default group config: %w", err)
	}
	for id, g := range c.Groups {
		if err := g.ValidatePartial(); err != nil {
			return fmt.Errorf("group %q: %w", id, err)
		}
	}
	if err := c.Watchdog.Validate(); err != nil {
		return fmt.Errorf("watchdog config: %w", err)
	}
	return nil
}

// Validate checks watchdog configuration for invalid values.
func (w *WatchdogConfig) Validate() error {
	if w.TransitionTimeout < 0 {
		return fmt.Errorf("transition_timeout must not be negative")
	}
	if w.AutonomousTimeout < 0 {
		return fmt.Errorf("autonomous_timeout must not be negative")
	}
	return nil
}

func validDsaMode(mode string) bool {
	switch mode {
	case "", "free", "iso_sw", "iso_hw":
		return true
	default:
		return false
	}
}

// Validate checks group configuration for invalid values; used for the
// default config, which must be complete.
func (g *GroupConfig) Validate() error {
	if g.DsaMode == "" {
		return fmt.Errorf("dsa_mode cannot be empty")
	}
	if !validDsaMode(g.DsaMode) {
		return fmt.Errorf("dsa_mode must be one of free, iso_sw, iso_hw")
	}
	if g.CisMaxRetries < 0 {
		return fmt.Errorf("cis_max_retries must not be negative")
	}
	return nil
}

// ValidatePartial checks a group override, allowing zero values to mean
// "inherit default".
func (g *GroupConfig) ValidatePartial() error {
	if !validDsaMode(g.DsaMode) {
		return fmt.Errorf("dsa_mode must be one of free, iso_sw, iso_hw")
	}
	if g.CisMaxRetries < 0 {
		return fmt.Errorf("cis_max_retries must not be negative (0 means inherit default)")
	}
	return nil
}

// DefaultConfig returns a configuration with the built-in defaults: 3500 ms
// transition watchdog, 5000 ms autonomous timer, DSA free, 2 CIS retries.
func DefaultConfig() *Config {
	return &Config{
		Groups: make(map[string]GroupConfig),
		Default: GroupConfig{
			DsaMode: "free",
			CisMaxRetries: 2,
			AsymmetricPhy: false,
		},
		Watchdog: WatchdogConfig{
			TransitionTimeout: 3500 * time.Millisecond,
			AutonomousTimeout: 5000 * time.Millisecond,
		},
		Monitor: MonitorConfig{
			Enabled: true,
			HealthAddr: "127.0.0.1:9998",
		},
	}
}
