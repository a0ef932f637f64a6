// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/keywheel/rotation"
)

// fakeSource returns queued snapshots, then repeats the last one.
type fakeSource struct {
	snapshots []Snapshot
	err       error
	calls     int
}

func (f *fakeSource) Snapshot(ctx context.Context) (Snapshot, error) {
	f.calls++
	if f.err != nil {
		return Snapshot{}, f.err
	}
	if len(f.snapshots) == 0 {
		return Snapshot{}, errors.New("no snapshot queued")
	}
	snapshot := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snapshot, nil
}

func poolSnapshot() Snapshot {
	return Snapshot{
		Stats: rotation.PoolStats{
			ActiveKeys:     2,
			CoolingKeys:    1,
			ActiveBindings: 2,
		},
		Keys: []KeyRow{
			{ID: "key-live-1", Provider: "openai", Status: "active", Score: 1.0, BoundProxies: 1},
			{ID: "key-live-2", Provider: "anthropic", Status: "active", Score: 0.85, BoundProxies: 1},
			{ID: "key-spare-9", Provider: "openai", Status: "cooling_down", Score: 0.40,
				CooldownUntil: time.Now().Add(45 * time.Second)},
		},
		Taken: time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC),
	}
}

// deliver runs one fetch synchronously and feeds the result to Update.
func deliver(t *testing.T, m Model) Model {
	t.Helper()
	msg := m.fetch()()
	updated, _ := m.Update(msg)
	return updated.(Model)
}

func keyPress(m Model, keys string) Model {
	var model tea.Model = m
	for _, r := range keys {
		model, _ = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return model.(Model)
}

func TestModel_SnapshotPopulatesTable(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	if len(m.visible) != 3 {
		t.Fatalf("visible rows = %d, want 3", len(m.visible))
	}

	view := m.View()
	for _, want := range []string{
		"key-live-1", "key-live-2", "key-spare-9",
		"2 active", "1 cooling", "2 bindings",
		"cooling_down",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q\n\n%s", want, view)
		}
	}
}

func TestModel_FetchErrorKeepsLastSnapshot(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	source.err = errors.New("connection refused")
	m = deliver(t, m)

	if len(m.visible) != 3 {
		t.Errorf("error fetch dropped rows: visible = %d, want 3", len(m.visible))
	}
	if !strings.Contains(m.View(), "fetch failed") {
		t.Error("view does not surface the fetch error")
	}

	// Recovery clears the error line.
	source.err = nil
	m = deliver(t, m)
	if strings.Contains(m.View(), "fetch failed") {
		t.Error("view still shows the error after a successful fetch")
	}
}

func TestModel_CursorNavigation(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	m = keyPress(m, "jj")
	if m.cursor != 2 {
		t.Errorf("cursor after jj = %d, want 2", m.cursor)
	}
	m = keyPress(m, "j")
	if m.cursor != 2 {
		t.Errorf("cursor moved past the last row: %d", m.cursor)
	}
	m = keyPress(m, "k")
	if m.cursor != 1 {
		t.Errorf("cursor after k = %d, want 1", m.cursor)
	}
	m = keyPress(m, "g")
	if m.cursor != 0 {
		t.Errorf("cursor after g = %d, want 0", m.cursor)
	}
	m = keyPress(m, "G")
	if m.cursor != 2 {
		t.Errorf("cursor after G = %d, want 2", m.cursor)
	}
}

func TestModel_FilterNarrowsAndRanks(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	m = keyPress(m, "/spare")
	if !m.filterActive {
		t.Fatal("/ did not activate the filter")
	}
	if len(m.visible) != 1 || m.visible[0].ID != "key-spare-9" {
		t.Fatalf("filter 'spare' → %+v, want only key-spare-9", m.visible)
	}

	// Enter keeps the filter applied but leaves input mode.
	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = model.(Model)
	if m.filterActive {
		t.Error("enter should leave filter input mode")
	}
	if len(m.visible) != 1 {
		t.Error("enter cleared the filter")
	}

	// Esc clears it entirely.
	model, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = model.(Model)
	if len(m.visible) != 3 {
		t.Errorf("esc should clear the filter: visible = %d, want 3", len(m.visible))
	}
}

func TestModel_FilterMatchesProvider(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	m = keyPress(m, "/anthropic")
	if len(m.visible) != 1 || m.visible[0].ID != "key-live-2" {
		t.Fatalf("filter 'anthropic' → %d rows, want only key-live-2", len(m.visible))
	}
}

func TestModel_FilterBackspace(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	m = keyPress(m, "/sparex")
	if len(m.visible) != 0 {
		t.Fatalf("filter 'sparex' should match nothing, got %d rows", len(m.visible))
	}
	model, _ := m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	m = model.(Model)
	if len(m.visible) != 1 {
		t.Errorf("backspace to 'spare' should match one row, got %d", len(m.visible))
	}
}

func TestModel_FilterClampsCursor(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	m = keyPress(m, "G")
	m = keyPress(m, "/anthropic")
	if m.cursor != 0 {
		t.Errorf("cursor not clamped after filtering: %d", m.cursor)
	}
}

func TestModel_RefreshTickFetches(t *testing.T) {
	// Millisecond interval so the batched tea.Tick command (which
	// blocks until the timer fires) returns promptly when executed.
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Millisecond))
	before := source.calls

	model, cmd := m.Update(refreshMsg{})
	m = model.(Model)
	if cmd == nil {
		t.Fatal("refresh tick returned no command")
	}
	runCmd(cmd)
	if source.calls != before+1 {
		t.Errorf("fetch calls = %d, want %d", source.calls, before+1)
	}
}

// runCmd executes a command tree synchronously, descending into
// batches.
func runCmd(cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	if batch, ok := cmd().(tea.BatchMsg); ok {
		for _, sub := range batch {
			runCmd(sub)
		}
	}
}

func TestModel_QuitKeys(t *testing.T) {
	source := &fakeSource{snapshots: []Snapshot{poolSnapshot()}}
	m := deliver(t, New(source, time.Minute))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	if cmd == nil {
		t.Fatal("q produced no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should quit")
	}
}

func TestCooldownLabel(t *testing.T) {
	if got := cooldownLabel(time.Time{}); got != "-" {
		t.Errorf("zero time → %q, want -", got)
	}
	if got := cooldownLabel(time.Now().Add(-time.Second)); got != "due" {
		t.Errorf("past deadline → %q, want due", got)
	}
	if got := cooldownLabel(time.Now().Add(90 * time.Second)); got != "1m30s" {
		t.Errorf("90s out → %q, want 1m30s", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 28); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	long := strings.Repeat("a", 40)
	got := truncate(long, 28)
	if len([]rune(got)) != 28 {
		t.Errorf("truncated length = %d runes, want 28", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated string missing ellipsis: %q", got)
	}
}
