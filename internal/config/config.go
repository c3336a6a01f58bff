// Package config provides configuration types and defaults for the
// coordinator daemon.
package config

import (
	"fmt"
	"regexp"
)

// Config holds all configuration options for the coordinator.
type Config struct {
	MaxWorkers               int    `mapstructure:"max_workers" yaml:"max_workers"`
	HeartbeatTimeoutS         int    `mapstructure:"heartbeat_timeout_s" yaml:"heartbeat_timeout_s"`
	WatchdogIntervalMS        int    `mapstructure:"watchdog_interval_ms" yaml:"watchdog_interval_ms"`
	AllocatorIntervalMS       int    `mapstructure:"allocator_interval_ms" yaml:"allocator_interval_ms"`
	MergeValidation           bool   `mapstructure:"merge_validation" yaml:"merge_validation"`
	ProjectDir                string `mapstructure:"project_dir" yaml:"project_dir"`
	CoordinatorVersion        string `mapstructure:"coordinator_version" yaml:"coordinator_version"`
	ActivityLogRetentionDays  int    `mapstructure:"activity_log_retention_days" yaml:"activity_log_retention_days"`

	// BroadcastPort and ScriptDir are environment-only overrides (§6):
	// they configure the out-of-core broadcast hook and an external
	// script-directory hint, never persisted to the config file.
	BroadcastPort string `mapstructure:"broadcast_port" yaml:"-"`
	ScriptDir     string `mapstructure:"script_dir" yaml:"-"`
}

// Defaults returns the coordinator's default configuration.
func Defaults() Config {
	return Config{
		MaxWorkers:               4,
		HeartbeatTimeoutS:        60,
		WatchdogIntervalMS:       10_000,
		AllocatorIntervalMS:      2_000,
		MergeValidation:          true,
		ProjectDir:               "",
		CoordinatorVersion:       "1",
		ActivityLogRetentionDays: 30,
	}
}

var projectPathRe = regexp.MustCompile(`^/[A-Za-z0-9._/ -]+$`)

// Validate checks the config surface's invariants (§6): max_workers in
// 1..8, and project_dir (when set) matches the project-path shape.
func Validate(c Config) error {
	if c.MaxWorkers < 1 || c.MaxWorkers > 8 {
		return fmt.Errorf("max_workers must be between 1 and 8, got %d", c.MaxWorkers)
	}
	if c.HeartbeatTimeoutS <= 0 {
		return fmt.Errorf("heartbeat_timeout_s must be positive, got %d", c.HeartbeatTimeoutS)
	}
	if c.WatchdogIntervalMS <= 0 {
		return fmt.Errorf("watchdog_interval_ms must be positive, got %d", c.WatchdogIntervalMS)
	}
	if c.AllocatorIntervalMS <= 0 {
		return fmt.Errorf("allocator_interval_ms must be positive, got %d", c.AllocatorIntervalMS)
	}
	if c.ProjectDir != "" && !projectPathRe.MatchString(c.ProjectDir) {
		return fmt.Errorf("project_dir %q does not match the required shape", c.ProjectDir)
	}
	return nil
}
