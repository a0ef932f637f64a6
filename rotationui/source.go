// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import (
	"context"
	"time"

	"github.com/bureau-foundation/keywheel/lib/service"
	"github.com/bureau-foundation/keywheel/rotation"
)

// KeyRow is one row of the dashboard key table.
type KeyRow struct {
	ID                string
	Provider          string
	Status            string
	Score             float64
	CooldownUntil     time.Time
	TransientFailures int
	CooldownStreak    int
	BoundProxies      int
}

// Snapshot is one refresh of the pool state.
type Snapshot struct {
	Stats rotation.PoolStats
	Keys  []KeyRow
	Taken time.Time
}

// Source supplies pool snapshots to the dashboard model.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ServiceSource fetches snapshots from a keywheel service socket.
type ServiceSource struct {
	client *service.ServiceClient
}

// NewServiceSource creates a source backed by the given client.
func NewServiceSource(client *service.ServiceClient) *ServiceSource {
	return &ServiceSource{client: client}
}

// Snapshot issues the status, list-keys, and list-bindings actions
// and merges them into one view. Three socket round-trips per
// refresh; acceptable at dashboard rates.
func (s *ServiceSource) Snapshot(ctx context.Context) (Snapshot, error) {
	var status struct {
		Stats rotation.PoolStats `cbor:"stats"`
	}
	if err := s.client.Call(ctx, "status", nil, &status); err != nil {
		return Snapshot{}, err
	}

	var keyListing struct {
		Keys []struct {
			ID                string  `cbor:"id"`
			Provider          string  `cbor:"provider"`
			Status            string  `cbor:"status"`
			CooldownUntil     string  `cbor:"cooldown_until"`
			TransientFailures int     `cbor:"transient_failures"`
			CooldownStreak    int     `cbor:"cooldown_streak"`
			Score             float64 `cbor:"score"`
		} `cbor:"keys"`
	}
	if err := s.client.Call(ctx, "list-keys", nil, &keyListing); err != nil {
		return Snapshot{}, err
	}

	var bindingListing struct {
		Bindings []struct {
			KeyID string `cbor:"key_id"`
		} `cbor:"bindings"`
	}
	if err := s.client.Call(ctx, "list-bindings", nil, &bindingListing); err != nil {
		return Snapshot{}, err
	}

	boundCount := make(map[string]int, len(bindingListing.Bindings))
	for _, binding := range bindingListing.Bindings {
		boundCount[binding.KeyID]++
	}

	snapshot := Snapshot{
		Stats: status.Stats,
		Keys:  make([]KeyRow, 0, len(keyListing.Keys)),
		Taken: time.Now(),
	}
	for _, key := range keyListing.Keys {
		row := KeyRow{
			ID:                key.ID,
			Provider:          key.Provider,
			Status:            key.Status,
			Score:             key.Score,
			TransientFailures: key.TransientFailures,
			CooldownStreak:    key.CooldownStreak,
			BoundProxies:      boundCount[key.ID],
		}
		if key.CooldownUntil != "" {
			if until, err := time.Parse(time.RFC3339, key.CooldownUntil); err == nil {
				row.CooldownUntil = until
			}
		}
		snapshot.Keys = append(snapshot.Keys, row)
	}
	return snapshot, nil
}
