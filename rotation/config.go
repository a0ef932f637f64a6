// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/keywheel/lib/cron"
)

// Config is the top-level configuration for the keywheel service and
// the rotation engine it hosts. All policy thresholds are
// configuration, not constants — the defaults below are starting
// points, to be tuned against operational history.
type Config struct {
	// SocketPath is the Unix socket the service listens on.
	SocketPath string `yaml:"socket_path"`

	// DatabasePath is the SQLite database file. The parent directory
	// must exist.
	DatabasePath string `yaml:"database_path"`

	// IdentityPath is the file holding the service's age private key,
	// used to decrypt imported key bundles. Generated by
	// `keywheel-service -generate-identity`.
	IdentityPath string `yaml:"identity_path"`

	// MaterialKeyPath is the file holding the 32-byte hex master key
	// for material encryption at rest.
	MaterialKeyPath string `yaml:"material_key_path"`

	// HeartbeatPath is where the service writes its atomic liveness
	// state file. Empty disables the heartbeat.
	HeartbeatPath string `yaml:"heartbeat_path"`

	Rotation RotationConfig `yaml:"rotation"`
	Health   HealthConfig   `yaml:"health"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

// RotationConfig holds the engine's failure policy parameters.
type RotationConfig struct {
	// BaseCooldown is the cooldown applied on a key's first cooldown
	// episode. Subsequent episodes double it, up to MaxCooldown.
	BaseCooldown time.Duration `yaml:"base_cooldown"`

	// MaxCooldown is the backoff ceiling.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// TransientFailureThreshold is the number of consecutive
	// network_error/timeout outcomes tolerated before the key is
	// cooled down.
	TransientFailureThreshold int `yaml:"transient_failure_threshold"`

	// AcquireRetryLimit bounds the internal retry loop when binding
	// creation races another caller. Exceeding it surfaces
	// ErrBindingConflict.
	AcquireRetryLimit int `yaml:"acquire_retry_limit"`

	// SweepInterval is how often RunSweeper reactivates expired
	// cooldowns and heals inconsistent bindings.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HealthConfig holds the monitor's probe parameters.
type HealthConfig struct {
	// ProbeInterval is how often the monitor probes every active
	// binding.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds each individual probe request.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// ProviderDir is the directory of JSONC provider profiles, one
	// file per provider.
	ProviderDir string `yaml:"provider_dir"`
}

// LedgerConfig bounds the rolling health window.
type LedgerConfig struct {
	// WindowRecords is the maximum number of recent records per key
	// considered by the score.
	WindowRecords int `yaml:"window_records"`

	// WindowDuration is the maximum age of records considered by the
	// score.
	WindowDuration time.Duration `yaml:"window_duration"`
}

// ArchiveConfig controls export and pruning of aged health records.
type ArchiveConfig struct {
	// Schedule is a standard 5-field cron expression (UTC).
	Schedule string `yaml:"schedule"`

	// Directory receives the archive files. Empty disables archival.
	Directory string `yaml:"directory"`

	// Compression selects the archive codec: zstd, lz4, or none.
	Compression string `yaml:"compression"`

	// Retention is how long health records stay queryable before they
	// are exported and pruned.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the built-in defaults. LoadConfig starts from
// these, so a config file only needs to state what differs.
func DefaultConfig() Config {
	return Config{
		SocketPath:      "/run/keywheel/keywheel.sock",
		DatabasePath:    "/var/lib/keywheel/keywheel.db",
		IdentityPath:    "/var/lib/keywheel/identity.age",
		MaterialKeyPath: "/var/lib/keywheel/material.key",
		HeartbeatPath:   "/run/keywheel/heartbeat.json",
		Rotation: RotationConfig{
			BaseCooldown:              30 * time.Second,
			MaxCooldown:               time.Hour,
			TransientFailureThreshold: 3,
			AcquireRetryLimit:         4,
			SweepInterval:             30 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval: 60 * time.Second,
			ProbeTimeout:  10 * time.Second,
			ProviderDir:   "/etc/keywheel/providers",
		},
		Ledger: LedgerConfig{
			WindowRecords:  50,
			WindowDuration: 30 * time.Minute,
		},
		Archive: ArchiveConfig{
			Schedule:    "0 3 * * *",
			Compression: "zstd",
			Retention:   720 * time.Hour,
		},
	}
}

// LoadConfig reads a YAML config file, overlays it on the defaults,
// expands ${VAR} and ${VAR:-default} references in path fields, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rotation: reading config %s: %w", path, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("rotation: parsing config %s: %w", path, err)
	}

	config.expandVariables()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("rotation: config %s: %w", path, err)
	}
	return &config, nil
}

// Durations are written as strings in the config file ("30s", "1h").
// The UnmarshalYAML implementations below overlay onto the receiver,
// which already holds the defaults, so omitted fields keep them.

func parseOptionalDuration(field, text string, out *time.Duration) error {
	if text == "" {
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, text, err)
	}
	*out = parsed
	return nil
}

func (r *RotationConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		BaseCooldown              string `yaml:"base_cooldown"`
		MaxCooldown               string `yaml:"max_cooldown"`
		TransientFailureThreshold *int   `yaml:"transient_failure_threshold"`
		AcquireRetryLimit         *int   `yaml:"acquire_retry_limit"`
		SweepInterval             string `yaml:"sweep_interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := parseOptionalDuration("rotation.base_cooldown", raw.BaseCooldown, &r.BaseCooldown); err != nil {
		return err
	}
	if err := parseOptionalDuration("rotation.max_cooldown", raw.MaxCooldown, &r.MaxCooldown); err != nil {
		return err
	}
	if raw.TransientFailureThreshold != nil {
		r.TransientFailureThreshold = *raw.TransientFailureThreshold
	}
	if raw.AcquireRetryLimit != nil {
		r.AcquireRetryLimit = *raw.AcquireRetryLimit
	}
	return parseOptionalDuration("rotation.sweep_interval", raw.SweepInterval, &r.SweepInterval)
}

func (h *HealthConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		ProbeInterval string  `yaml:"probe_interval"`
		ProbeTimeout  string  `yaml:"probe_timeout"`
		ProviderDir   *string `yaml:"provider_dir"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if err := parseOptionalDuration("health.probe_interval", raw.ProbeInterval, &h.ProbeInterval); err != nil {
		return err
	}
	if raw.ProviderDir != nil {
		h.ProviderDir = *raw.ProviderDir
	}
	return parseOptionalDuration("health.probe_timeout", raw.ProbeTimeout, &h.ProbeTimeout)
}

func (l *LedgerConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		WindowRecords  *int   `yaml:"window_records"`
		WindowDuration string `yaml:"window_duration"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.WindowRecords != nil {
		l.WindowRecords = *raw.WindowRecords
	}
	return parseOptionalDuration("ledger.window_duration", raw.WindowDuration, &l.WindowDuration)
}

func (a *ArchiveConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Schedule    *string `yaml:"schedule"`
		Directory   *string `yaml:"directory"`
		Compression *string `yaml:"compression"`
		Retention   string  `yaml:"retention"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Schedule != nil {
		a.Schedule = *raw.Schedule
	}
	if raw.Directory != nil {
		a.Directory = *raw.Directory
	}
	if raw.Compression != nil {
		a.Compression = *raw.Compression
	}
	return parseOptionalDuration("archive.retention", raw.Retention, &a.Retention)
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

func (c *Config) expandVariables() {
	c.SocketPath = expandVars(c.SocketPath)
	c.DatabasePath = expandVars(c.DatabasePath)
	c.IdentityPath = expandVars(c.IdentityPath)
	c.MaterialKeyPath = expandVars(c.MaterialKeyPath)
	c.HeartbeatPath = expandVars(c.HeartbeatPath)
	c.Health.ProviderDir = expandVars(c.Health.ProviderDir)
	c.Archive.Directory = expandVars(c.Archive.Directory)
}

// Validate checks the configuration, collecting all problems into one
// error so the operator can fix everything in a single pass.
func (c *Config) Validate() error {
	var errs []error

	if c.SocketPath == "" {
		errs = append(errs, fmt.Errorf("socket_path is required"))
	}
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("database_path is required"))
	}
	if c.Rotation.BaseCooldown <= 0 {
		errs = append(errs, fmt.Errorf("rotation.base_cooldown must be positive"))
	}
	if c.Rotation.MaxCooldown < c.Rotation.BaseCooldown {
		errs = append(errs, fmt.Errorf("rotation.max_cooldown must be >= rotation.base_cooldown"))
	}
	if c.Rotation.TransientFailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("rotation.transient_failure_threshold must be >= 1"))
	}
	if c.Rotation.AcquireRetryLimit < 1 {
		errs = append(errs, fmt.Errorf("rotation.acquire_retry_limit must be >= 1"))
	}
	if c.Rotation.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("rotation.sweep_interval must be positive"))
	}
	if c.Health.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("health.probe_interval must be positive"))
	}
	if c.Health.ProbeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health.probe_timeout must be positive"))
	}
	if c.Ledger.WindowRecords < 1 {
		errs = append(errs, fmt.Errorf("ledger.window_records must be >= 1"))
	}
	if c.Ledger.WindowDuration <= 0 {
		errs = append(errs, fmt.Errorf("ledger.window_duration must be positive"))
	}

	switch c.Archive.Compression {
	case "zstd", "lz4", "none":
	default:
		errs = append(errs, fmt.Errorf("archive.compression must be one of: zstd, lz4, none (got %q)", c.Archive.Compression))
	}
	if c.Archive.Schedule != "" {
		if _, err := cron.Parse(c.Archive.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("archive.schedule: %w", err))
		}
	}
	if c.Archive.Directory != "" && c.Archive.Retention <= 0 {
		errs = append(errs, fmt.Errorf("archive.retention must be positive when archive.directory is set"))
	}

	return errors.Join(errs...)
}
