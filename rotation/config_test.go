// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keywheel.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	config := DefaultConfig()
	if err := config.Validate(); err != nil {
		t.Fatalf("DefaultConfig does not validate: %v", err)
	}
}

func TestLoadConfig_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
socket_path: /tmp/test.sock
rotation:
  base_cooldown: 45s
  transient_failure_threshold: 5
archive:
  compression: lz4
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.SocketPath != "/tmp/test.sock" {
		t.Errorf("SocketPath = %q", config.SocketPath)
	}
	if config.Rotation.BaseCooldown != 45*time.Second {
		t.Errorf("BaseCooldown = %v, want 45s", config.Rotation.BaseCooldown)
	}
	if config.Rotation.TransientFailureThreshold != 5 {
		t.Errorf("TransientFailureThreshold = %d, want 5", config.Rotation.TransientFailureThreshold)
	}
	if config.Archive.Compression != "lz4" {
		t.Errorf("Compression = %q, want lz4", config.Archive.Compression)
	}

	// Everything the file does not mention keeps its default.
	defaults := DefaultConfig()
	if config.DatabasePath != defaults.DatabasePath {
		t.Errorf("DatabasePath = %q, want default %q", config.DatabasePath, defaults.DatabasePath)
	}
	if config.Rotation.MaxCooldown != defaults.Rotation.MaxCooldown {
		t.Errorf("MaxCooldown = %v, want default %v", config.Rotation.MaxCooldown, defaults.Rotation.MaxCooldown)
	}
	if config.Ledger.WindowRecords != defaults.Ledger.WindowRecords {
		t.Errorf("WindowRecords = %d, want default %d", config.Ledger.WindowRecords, defaults.Ledger.WindowRecords)
	}
	if config.Archive.Schedule != defaults.Archive.Schedule {
		t.Errorf("Schedule = %q, want default %q", config.Archive.Schedule, defaults.Archive.Schedule)
	}
}

func TestLoadConfig_AllSections(t *testing.T) {
	path := writeConfig(t, `
socket_path: /run/kw/kw.sock
database_path: /var/kw/kw.db
identity_path: /var/kw/id.age
material_key_path: /var/kw/material.key
heartbeat_path: ""
rotation:
  base_cooldown: 1m
  max_cooldown: 2h
  transient_failure_threshold: 2
  acquire_retry_limit: 8
  sweep_interval: 15s
health:
  probe_interval: 2m
  probe_timeout: 5s
  provider_dir: /etc/kw/providers
ledger:
  window_records: 100
  window_duration: 1h
archive:
  schedule: "30 2 * * 0"
  directory: /var/kw/archive
  compression: none
  retention: 168h
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.Rotation.MaxCooldown != 2*time.Hour {
		t.Errorf("MaxCooldown = %v", config.Rotation.MaxCooldown)
	}
	if config.Health.ProbeInterval != 2*time.Minute {
		t.Errorf("ProbeInterval = %v", config.Health.ProbeInterval)
	}
	if config.Ledger.WindowDuration != time.Hour {
		t.Errorf("WindowDuration = %v", config.Ledger.WindowDuration)
	}
	if config.Archive.Retention != 168*time.Hour {
		t.Errorf("Retention = %v", config.Archive.Retention)
	}
	if config.HeartbeatPath != "" {
		t.Errorf("HeartbeatPath = %q, want empty (heartbeat disabled)", config.HeartbeatPath)
	}
}

func TestLoadConfig_ExpandsVariables(t *testing.T) {
	t.Setenv("KEYWHEEL_TEST_RUN", "/custom/run")
	os.Unsetenv("KEYWHEEL_TEST_UNSET")

	path := writeConfig(t, `
socket_path: ${KEYWHEEL_TEST_RUN}/keywheel.sock
database_path: ${KEYWHEEL_TEST_UNSET:-/fallback}/keywheel.db
`)

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if config.SocketPath != "/custom/run/keywheel.sock" {
		t.Errorf("SocketPath = %q, want the expanded variable", config.SocketPath)
	}
	if config.DatabasePath != "/fallback/keywheel.db" {
		t.Errorf("DatabasePath = %q, want the fallback default", config.DatabasePath)
	}
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
rotation:
  base_cooldown: soon
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Errorf("invalid duration error = %v", err)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig accepted a missing file")
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	config := DefaultConfig()
	config.SocketPath = ""
	config.Rotation.BaseCooldown = 0
	config.Rotation.MaxCooldown = -time.Second
	config.Archive.Compression = "gzip"

	err := config.Validate()
	if err == nil {
		t.Fatal("Validate passed a broken config")
	}
	for _, want := range []string{
		"socket_path is required",
		"rotation.base_cooldown must be positive",
		"archive.compression must be one of",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q; got:\n%v", want, err)
		}
	}
}

func TestValidate_MaxCooldownFloor(t *testing.T) {
	config := DefaultConfig()
	config.Rotation.MaxCooldown = config.Rotation.BaseCooldown - time.Second
	if err := config.Validate(); err == nil {
		t.Error("Validate accepted max_cooldown below base_cooldown")
	}

	config.Rotation.MaxCooldown = config.Rotation.BaseCooldown
	if err := config.Validate(); err != nil {
		t.Errorf("Validate rejected max_cooldown == base_cooldown: %v", err)
	}
}

func TestValidate_BadCronSchedule(t *testing.T) {
	config := DefaultConfig()
	config.Archive.Schedule = "every day at three"
	if err := config.Validate(); err == nil {
		t.Error("Validate accepted a malformed cron schedule")
	}
}

func TestValidate_ArchiveRetentionRequiredWithDirectory(t *testing.T) {
	config := DefaultConfig()
	config.Archive.Directory = "/var/lib/keywheel/archive"
	config.Archive.Retention = 0
	if err := config.Validate(); err == nil {
		t.Error("Validate accepted a zero retention with an archive directory set")
	}
}
