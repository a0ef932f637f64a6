// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/testutil"
)

var testArchive = ArchiveConfig{
	Schedule:    "0 3 * * *",
	Compression: "none",
	Retention:   time.Hour,
}

func newTestArchiver(t *testing.T, store *Store, fakeClock *clock.FakeClock, archive ArchiveConfig) *Archiver {
	t.Helper()
	if archive.Directory == "" {
		archive.Directory = t.TempDir()
	}
	archiver, err := NewArchiver(ArchiverConfig{
		Store:   store,
		Archive: archive,
		Clock:   fakeClock,
		Logger:  testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	return archiver
}

// appendAgedRecords writes count records timestamped at the store
// clock's current time, then advances the clock past the retention
// period so they all fall behind the cutoff.
func appendAgedRecords(t *testing.T, store *Store, fakeClock *clock.FakeClock, keyID string, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		record := HealthRecord{
			ProxyID:   testutil.UniqueID("proxy"),
			KeyID:     keyID,
			Timestamp: fakeClock.Now(),
			Outcome:   OutcomeOK,
			Latency:   40 * time.Millisecond,
			Source:    SourceTraffic,
		}
		if err := store.AppendHealthRecord(context.Background(), record); err != nil {
			t.Fatalf("AppendHealthRecord: %v", err)
		}
		fakeClock.Advance(time.Second)
	}
	fakeClock.Advance(testArchive.Retention)
}

func decodeArchive(t *testing.T, path string) []archivedRecord {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}

	var lines *bufio.Scanner
	switch {
	case strings.HasSuffix(path, ".zst"):
		decoder, err := zstd.NewReader(bytes.NewReader(raw))
		if err != nil {
			t.Fatalf("opening zstd reader: %v", err)
		}
		defer decoder.Close()
		lines = bufio.NewScanner(decoder)
	case strings.HasSuffix(path, ".lz4"):
		lines = bufio.NewScanner(lz4.NewReader(bytes.NewReader(raw)))
	default:
		lines = bufio.NewScanner(bytes.NewReader(raw))
	}

	var records []archivedRecord
	for lines.Scan() {
		var record archivedRecord
		if err := json.Unmarshal(lines.Bytes(), &record); err != nil {
			t.Fatalf("decoding archive line %q: %v", lines.Text(), err)
		}
		records = append(records, record)
	}
	if err := lines.Err(); err != nil {
		t.Fatalf("scanning archive: %v", err)
	}
	return records
}

func TestRunOnce_ArchivesAndPrunes(t *testing.T) {
	ctx := context.Background()
	store, fakeClock := openTestStore(t)
	insertTestKey(t, store, "key-a", "openai")

	appendAgedRecords(t, store, fakeClock, "key-a", 3)

	// One fresh record inside the retention window stays behind.
	fresh := HealthRecord{
		ProxyID:   "proxy-1",
		KeyID:     "key-a",
		Timestamp: fakeClock.Now(),
		Outcome:   OutcomeRateLimited,
		Latency:   time.Second,
		Source:    SourceProbe,
	}
	if err := store.AppendHealthRecord(ctx, fresh); err != nil {
		t.Fatalf("AppendHealthRecord: %v", err)
	}

	archiver := newTestArchiver(t, store, fakeClock, testArchive)
	count, path, err := archiver.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if count != 3 {
		t.Errorf("archived %d records, want 3", count)
	}
	if !strings.HasSuffix(path, ".jsonl") {
		t.Errorf("archive path %q, want a .jsonl file for compression none", path)
	}

	records := decodeArchive(t, path)
	if len(records) != 3 {
		t.Fatalf("archive holds %d records, want 3", len(records))
	}
	for _, record := range records {
		if record.KeyID != "key-a" || record.Outcome != "ok" || record.Source != "traffic" {
			t.Errorf("unexpected archived record %+v", record)
		}
		if _, err := time.Parse(time.RFC3339Nano, record.Timestamp); err != nil {
			t.Errorf("timestamp %q not RFC3339Nano: %v", record.Timestamp, err)
		}
	}

	remaining, err := store.HealthWindow(ctx, "key-a", 100, time.Time{})
	if err != nil {
		t.Fatalf("HealthWindow: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Outcome != OutcomeRateLimited {
		t.Errorf("remaining records = %+v, want only the fresh one", remaining)
	}

	// No stray temporary files.
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("reading archive directory: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Errorf("temporary file %s left behind", entry.Name())
		}
	}
}

func TestRunOnce_NothingToArchive(t *testing.T) {
	store, fakeClock := openTestStore(t)
	dir := t.TempDir()
	archive := testArchive
	archive.Directory = dir

	archiver := newTestArchiver(t, store, fakeClock, archive)
	count, path, err := archiver.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if count != 0 || path != "" {
		t.Errorf("RunOnce = (%d, %q), want (0, \"\")", count, path)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading archive directory: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("empty run left %d files in the archive directory", len(entries))
	}
}

func TestRunOnce_RetentionBoundary(t *testing.T) {
	ctx := context.Background()
	store, fakeClock := openTestStore(t)
	insertTestKey(t, store, "key-a", "openai")

	// Exactly at the cutoff: not yet archivable. cutoff = now -
	// retention, and the prune takes records strictly older.
	atCutoff := HealthRecord{
		ProxyID:   "proxy-1",
		KeyID:     "key-a",
		Timestamp: fakeClock.Now(),
		Outcome:   OutcomeOK,
		Source:    SourceTraffic,
	}
	if err := store.AppendHealthRecord(ctx, atCutoff); err != nil {
		t.Fatalf("AppendHealthRecord: %v", err)
	}
	fakeClock.Advance(testArchive.Retention)

	archiver := newTestArchiver(t, store, fakeClock, testArchive)
	count, _, err := archiver.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if count != 0 {
		t.Errorf("archived %d records, want 0 (record sits exactly at the cutoff)", count)
	}

	fakeClock.Advance(time.Nanosecond)
	count, _, err = archiver.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if count != 1 {
		t.Errorf("archived %d records, want 1 past the cutoff", count)
	}
}

func TestRunOnce_CompressionRoundTrip(t *testing.T) {
	for _, compression := range []string{"zstd", "lz4"} {
		t.Run(compression, func(t *testing.T) {
			ctx := context.Background()
			store, fakeClock := openTestStore(t)
			insertTestKey(t, store, "key-a", "openai")
			appendAgedRecords(t, store, fakeClock, "key-a", 5)

			archive := testArchive
			archive.Compression = compression
			archiver := newTestArchiver(t, store, fakeClock, archive)

			count, path, err := archiver.RunOnce(ctx)
			if err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			if count != 5 {
				t.Errorf("archived %d records, want 5", count)
			}
			if records := decodeArchive(t, path); len(records) != 5 {
				t.Errorf("decoded %d records, want 5", len(records))
			}
		})
	}
}

func TestNewArchiver_Validation(t *testing.T) {
	store, fakeClock := openTestStore(t)

	bad := testArchive
	bad.Schedule = "not a cron line"
	if _, err := NewArchiver(ArchiverConfig{
		Store: store, Archive: bad, Clock: fakeClock, Logger: testLogger(t),
	}); err == nil {
		t.Error("NewArchiver accepted an invalid schedule")
	}

	bad = testArchive
	bad.Compression = "gzip"
	if _, err := NewArchiver(ArchiverConfig{
		Store: store, Archive: bad, Clock: fakeClock, Logger: testLogger(t),
	}); err == nil {
		t.Error("NewArchiver accepted an unknown compression codec")
	}
}

func TestRun_FiresOnSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, fakeClock := openTestStore(t)
	insertTestKey(t, store, "key-a", "openai")
	appendAgedRecords(t, store, fakeClock, "key-a", 2)

	dir := t.TempDir()
	archive := testArchive
	archive.Directory = dir
	archiver := newTestArchiver(t, store, fakeClock, archive)

	done := make(chan struct{})
	go func() {
		defer close(done)
		archiver.Run(ctx)
	}()

	// Run computes the next firing and sleeps on clock.After; advance
	// past a full day to cross the next 03:00 UTC firing.
	fakeClock.WaitForTimers(1)
	fakeClock.Advance(24 * time.Hour)

	deadline := time.After(5 * time.Second)
	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("reading archive directory: %v", err)
		}
		if len(entries) == 1 && strings.HasSuffix(entries[0].Name(), ".jsonl") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("archive never appeared; directory holds %d entries", len(entries))
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
