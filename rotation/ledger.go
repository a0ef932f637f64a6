// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"time"
)

// neutralScore is assigned to keys with no health history in the
// window. Sits at the top of the scale so new and freshly promoted
// keys are tried eagerly rather than starved behind keys with a
// proven-but-imperfect record.
const neutralScore = 1.0

// WindowCount is the raw per-key tally over the scoring window.
type WindowCount struct {
	Successes int
	Total     int
}

// Ledger computes health scores over a rolling window of outcome
// records. The window is bounded two ways, whichever is tighter: at
// most WindowRecords recent records per key, none older than
// WindowDuration. A key's score is its success fraction within that
// window; a key with no records scores neutralScore.
type Ledger struct {
	store  *Store
	window LedgerConfig
}

// NewLedger creates a ledger over the given store.
func NewLedger(store *Store, window LedgerConfig) *Ledger {
	return &Ledger{store: store, window: window}
}

// Score returns the health score for a single key at the given
// instant.
func (l *Ledger) Score(ctx context.Context, keyID string, now time.Time) (float64, error) {
	scores, err := l.ScoreKeys(ctx, []string{keyID}, now)
	if err != nil {
		return 0, err
	}
	return scores[keyID], nil
}

// ScoreKeys returns the health score for each of the given keys at
// the given instant. Every requested key appears in the result.
func (l *Ledger) ScoreKeys(ctx context.Context, keyIDs []string, now time.Time) (map[string]float64, error) {
	since := now.Add(-l.window.WindowDuration)
	counts, err := l.store.WindowCounts(ctx, keyIDs, l.window.WindowRecords, since)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(keyIDs))
	for _, keyID := range keyIDs {
		count, ok := counts[keyID]
		if !ok {
			scores[keyID] = neutralScore
			continue
		}
		scores[keyID] = float64(count.Successes) / float64(count.Total)
	}
	return scores, nil
}

// Window returns the records backing a key's current score, newest
// first.
func (l *Ledger) Window(ctx context.Context, keyID string, now time.Time) ([]HealthRecord, error) {
	since := now.Add(-l.window.WindowDuration)
	return l.store.HealthWindow(ctx, keyID, l.window.WindowRecords, since)
}
