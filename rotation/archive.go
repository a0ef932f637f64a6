// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/cron"
)

// Archiver exports health records older than the retention period to
// compressed JSONL files on a cron schedule, pruning the exported rows
// in the same transaction scope. Score computation never reads
// archives; they exist for offline analysis and audit.
type Archiver struct {
	store    *Store
	cfg      ArchiveConfig
	schedule cron.Schedule
	clock    clock.Clock
	logger   *slog.Logger
}

// ArchiverConfig holds the collaborators for NewArchiver.
type ArchiverConfig struct {
	Store   *Store
	Archive ArchiveConfig
	Clock   clock.Clock
	Logger  *slog.Logger
}

// NewArchiver validates the configuration (including the cron
// expression) and creates an archiver.
func NewArchiver(cfg ArchiverConfig) (*Archiver, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("archiver: Store is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("archiver: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("archiver: Logger is required")
	}
	schedule, err := cron.Parse(cfg.Archive.Schedule)
	if err != nil {
		return nil, fmt.Errorf("archiver: schedule: %w", err)
	}
	switch cfg.Archive.Compression {
	case "zstd", "lz4", "none":
	default:
		return nil, fmt.Errorf("archiver: unknown compression %q", cfg.Archive.Compression)
	}
	return &Archiver{
		store:    cfg.Store,
		cfg:      cfg.Archive,
		schedule: schedule,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Run fires RunOnce at each scheduled time until the context is
// cancelled. A failed run is logged and the schedule continues.
func (a *Archiver) Run(ctx context.Context) {
	a.logger.Info("archiver started", "schedule", a.cfg.Schedule)
	for {
		now := a.clock.Now()
		next, err := a.schedule.Next(now)
		if err != nil {
			// Parse validated the expression; Next only fails on a
			// schedule that can never fire.
			a.logger.Error("archive schedule has no next firing", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			a.logger.Info("archiver stopped")
			return
		case <-a.clock.After(next.Sub(now)):
			count, path, err := a.RunOnce(ctx)
			if err != nil {
				a.logger.Error("archive run failed", "error", err)
				continue
			}
			if count > 0 {
				a.logger.Info("archived health records", "count", count, "path", path)
			}
		}
	}
}

// archivedRecord is the JSONL line format. Latency is nanoseconds.
type archivedRecord struct {
	ProxyID   string `json:"proxy_id"`
	KeyID     string `json:"key_id"`
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	LatencyNS int64  `json:"latency_ns"`
	Source    string `json:"source"`
}

// RunOnce archives every health record older than the retention
// cutoff. The file is written to a temporary name and renamed into
// place before the pruning transaction commits; an error at any point
// rolls the prune back and removes the temporary file, so records are
// never lost. A run with nothing to archive writes no file. Returns
// the number of records archived and the archive path.
func (a *Archiver) RunOnce(ctx context.Context) (count int, path string, err error) {
	now := a.clock.Now()
	cutoff := now.Add(-a.cfg.Retention)

	if err := os.MkdirAll(a.cfg.Directory, 0o700); err != nil {
		return 0, "", fmt.Errorf("creating archive directory: %w", err)
	}

	name := "health-" + now.UTC().Format("20060102T150405Z") + ".jsonl" + a.extension()
	path = filepath.Join(a.cfg.Directory, name)
	tmpPath := path + ".tmp"

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, "", fmt.Errorf("creating archive file: %w", err)
	}
	// Removed on every error path; the rename on success makes this a
	// no-op there.
	defer os.Remove(tmpPath)
	defer file.Close()

	writer, closeWriter, err := a.compressedWriter(file)
	if err != nil {
		return 0, "", err
	}

	encoder := json.NewEncoder(writer)
	count, err = a.store.ArchiveHealthRecordsBefore(ctx, cutoff,
		func(record HealthRecord) error {
			return encoder.Encode(archivedRecord{
				ProxyID:   record.ProxyID,
				KeyID:     record.KeyID,
				Timestamp: record.Timestamp.UTC().Format(time.RFC3339Nano),
				Outcome:   string(record.Outcome),
				LatencyNS: int64(record.Latency),
				Source:    string(record.Source),
			})
		},
		func() error {
			if err := closeWriter(); err != nil {
				return fmt.Errorf("flushing archive: %w", err)
			}
			if err := file.Sync(); err != nil {
				return fmt.Errorf("syncing archive: %w", err)
			}
			if err := os.Rename(tmpPath, path); err != nil {
				return fmt.Errorf("renaming archive into place: %w", err)
			}
			return nil
		})
	if err != nil {
		return 0, "", err
	}
	if count == 0 {
		// finalize ran and renamed an empty archive; nothing was
		// pruned, so drop the empty file rather than keep it.
		os.Remove(path)
		return 0, "", nil
	}
	return count, path, nil
}

func (a *Archiver) extension() string {
	switch a.cfg.Compression {
	case "zstd":
		return ".zst"
	case "lz4":
		return ".lz4"
	default:
		return ""
	}
}

// compressedWriter wraps the file in the configured compressor. The
// returned close function flushes and closes the compressor only, not
// the file.
func (a *Archiver) compressedWriter(file *os.File) (io.Writer, func() error, error) {
	switch a.cfg.Compression {
	case "zstd":
		encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, nil, fmt.Errorf("initializing zstd writer: %w", err)
		}
		return encoder, encoder.Close, nil
	case "lz4":
		encoder := lz4.NewWriter(file)
		return encoder, encoder.Close, nil
	default:
		return file, func() error { return nil }, nil
	}
}
