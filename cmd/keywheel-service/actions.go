// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/codec"
	"github.com/bureau-foundation/keywheel/lib/secret"
	"github.com/bureau-foundation/keywheel/lib/service"
	"github.com/bureau-foundation/keywheel/rotation"
)

// keywheelService is the socket-facing layer over the rotation
// engine. Handlers decode CBOR requests, call the engine or store,
// and shape wire responses. Key material crosses the socket only in
// acquire responses and add-key/add-backup requests; it never
// appears in logs or error strings.
type keywheelService struct {
	engine    *rotation.Engine
	store     *rotation.Store
	ledger    *rotation.Ledger
	identity  *secret.Buffer
	clock     clock.Clock
	logger    *slog.Logger
	startedAt time.Time
}

// registerActions registers every socket action. The socket file's
// 0600 mode is the access control; all actions are available to any
// caller that can open the socket.
func (ks *keywheelService) registerActions(server *service.SocketServer) {
	server.Handle("status", ks.handleStatus)
	server.Handle("acquire", ks.handleAcquire)
	server.Handle("report-outcome", ks.handleReportOutcome)
	server.Handle("promote-backup", ks.handlePromoteBackup)
	server.Handle("add-key", ks.handleAddKey)
	server.Handle("disable-key", ks.handleDisableKey)
	server.Handle("enable-key", ks.handleEnableKey)
	server.Handle("list-keys", ks.handleListKeys)
	server.Handle("add-backup", ks.handleAddBackup)
	server.Handle("list-bindings", ks.handleListBindings)
	server.Handle("history", ks.handleHistory)
	server.Handle("import-bundle", ks.handleImportBundle)
	server.Handle("export-bundle", ks.handleExportBundle)
}

// statusResponse is the response to the "status" action.
type statusResponse struct {
	UptimeSeconds float64            `cbor:"uptime_seconds"`
	Stats         rotation.PoolStats `cbor:"stats"`
}

func (ks *keywheelService) handleStatus(ctx context.Context, raw []byte) (any, error) {
	stats, err := ks.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return statusResponse{
		UptimeSeconds: ks.clock.Now().Sub(ks.startedAt).Seconds(),
		Stats:         stats,
	}, nil
}

// keyHandle is the wire form of rotation.KeyHandle. The material
// travels in the response body over the owner-only socket.
type keyHandle struct {
	KeyID       string `cbor:"key_id"`
	ProxyID     string `cbor:"proxy_id"`
	Provider    string `cbor:"provider"`
	Fingerprint string `cbor:"fingerprint"`
	Material    string `cbor:"material"`
}

func wireHandle(handle *rotation.KeyHandle) *keyHandle {
	if handle == nil {
		return nil
	}
	return &keyHandle{
		KeyID:       handle.KeyID,
		ProxyID:     handle.ProxyID,
		Provider:    handle.Provider,
		Fingerprint: handle.Fingerprint,
		Material:    handle.Material,
	}
}

func (ks *keywheelService) handleAcquire(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		ProxyID string `cbor:"proxy_id"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	handle, err := ks.engine.Acquire(ctx, request.ProxyID)
	if err != nil {
		return nil, err
	}
	return wireHandle(handle), nil
}

// reportResponse carries the replacement handle when the reported
// failure cooled the key, or nil when the proxy keeps its key.
type reportResponse struct {
	Replacement *keyHandle `cbor:"replacement,omitempty"`
}

func (ks *keywheelService) handleReportOutcome(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		ProxyID   string `cbor:"proxy_id"`
		KeyID     string `cbor:"key_id"`
		Outcome   string `cbor:"outcome"`
		LatencyMS int64  `cbor:"latency_ms"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	outcome, err := rotation.ParseOutcome(request.Outcome)
	if err != nil {
		return nil, err
	}

	replacement, err := ks.engine.ReportOutcome(ctx, request.ProxyID, request.KeyID,
		outcome, time.Duration(request.LatencyMS)*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return reportResponse{Replacement: wireHandle(replacement)}, nil
}

func (ks *keywheelService) handlePromoteBackup(ctx context.Context, raw []byte) (any, error) {
	keyID, err := ks.engine.PromoteBackup(ctx)
	if err != nil {
		return nil, err
	}
	return struct {
		KeyID string `cbor:"key_id"`
	}{KeyID: keyID}, nil
}

// materialRequest is shared by add-key and add-backup.
type materialRequest struct {
	KeyID    string `cbor:"key_id"`
	Provider string `cbor:"provider"`
	Material string `cbor:"material"`
}

func (r *materialRequest) buffer() (*secret.Buffer, error) {
	if r.KeyID == "" {
		return nil, fmt.Errorf("missing required field: key_id")
	}
	if r.Provider == "" {
		return nil, fmt.Errorf("missing required field: provider")
	}
	material, err := secret.NewFromBytes([]byte(r.Material))
	if err != nil {
		return nil, fmt.Errorf("invalid material: %w", err)
	}
	return material, nil
}

func (ks *keywheelService) handleAddKey(ctx context.Context, raw []byte) (any, error) {
	var request materialRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	material, err := request.buffer()
	if err != nil {
		return nil, err
	}
	defer material.Close()

	if err := ks.engine.AddKey(ctx, request.KeyID, request.Provider, material); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ks *keywheelService) handleAddBackup(ctx context.Context, raw []byte) (any, error) {
	var request materialRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	material, err := request.buffer()
	if err != nil {
		return nil, err
	}
	defer material.Close()

	if err := ks.engine.AddBackup(ctx, request.KeyID, request.Provider, material); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ks *keywheelService) setStatus(ctx context.Context, raw []byte, to rotation.KeyStatus) (any, error) {
	var request struct {
		KeyID string `cbor:"key_id"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.KeyID == "" {
		return nil, fmt.Errorf("missing required field: key_id")
	}
	if err := ks.engine.SetKeyStatus(ctx, request.KeyID, to); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ks *keywheelService) handleDisableKey(ctx context.Context, raw []byte) (any, error) {
	return ks.setStatus(ctx, raw, rotation.StatusDisabled)
}

func (ks *keywheelService) handleEnableKey(ctx context.Context, raw []byte) (any, error) {
	return ks.setStatus(ctx, raw, rotation.StatusActive)
}

// keyInfo is the wire form of a key listing entry. Timestamps are
// RFC 3339; zero times are empty strings. Score is the ledger's
// windowed health score (1.0 when the key has no recent records).
type keyInfo struct {
	ID                string  `cbor:"id"`
	Provider          string  `cbor:"provider"`
	Status            string  `cbor:"status"`
	Fingerprint       string  `cbor:"fingerprint"`
	CooldownUntil     string  `cbor:"cooldown_until,omitempty"`
	TransientFailures int     `cbor:"transient_failures"`
	CooldownStreak    int     `cbor:"cooldown_streak"`
	LastAssignedAt    string  `cbor:"last_assigned_at,omitempty"`
	CreatedAt         string  `cbor:"created_at"`
	Score             float64 `cbor:"score"`
}

func wireTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

type listKeysResponse struct {
	Keys []keyInfo `cbor:"keys"`
}

func (ks *keywheelService) handleListKeys(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		Status string `cbor:"status,omitempty"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var keys []rotation.Key
	var err error
	if request.Status != "" {
		status, parseErr := rotation.ParseKeyStatus(request.Status)
		if parseErr != nil {
			return nil, parseErr
		}
		keys, err = ks.store.ListKeysByStatus(ctx, status)
	} else {
		keys, err = ks.store.ListKeys(ctx)
	}
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, key.ID)
	}
	scores, err := ks.ledger.ScoreKeys(ctx, ids, ks.clock.Now())
	if err != nil {
		return nil, err
	}

	response := listKeysResponse{Keys: make([]keyInfo, 0, len(keys))}
	for _, key := range keys {
		response.Keys = append(response.Keys, keyInfo{
			ID:                key.ID,
			Provider:          key.Provider,
			Status:            string(key.Status),
			Fingerprint:       key.Fingerprint,
			CooldownUntil:     wireTime(key.CooldownUntil),
			TransientFailures: key.TransientFailures,
			CooldownStreak:    key.CooldownStreak,
			LastAssignedAt:    wireTime(key.LastAssignedAt),
			CreatedAt:         wireTime(key.CreatedAt),
			Score:             scores[key.ID],
		})
	}
	return response, nil
}

// bindingInfo is the wire form of a binding row.
type bindingInfo struct {
	ProxyID       string `cbor:"proxy_id"`
	KeyID         string `cbor:"key_id"`
	IsActive      bool   `cbor:"is_active"`
	CreatedAt     string `cbor:"created_at"`
	DeactivatedAt string `cbor:"deactivated_at,omitempty"`
}

type listBindingsResponse struct {
	Bindings []bindingInfo `cbor:"bindings"`
}

// handleListBindings returns all active bindings, or — when proxy_id
// is given — that proxy's binding history, newest first.
func (ks *keywheelService) handleListBindings(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		ProxyID string `cbor:"proxy_id,omitempty"`
		Limit   int    `cbor:"limit,omitempty"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	var bindings []rotation.Binding
	var err error
	if request.ProxyID != "" {
		limit := request.Limit
		if limit <= 0 {
			limit = 50
		}
		bindings, err = ks.store.BindingHistory(ctx, request.ProxyID, limit)
	} else {
		bindings, err = ks.store.ListActiveBindings(ctx)
	}
	if err != nil {
		return nil, err
	}

	response := listBindingsResponse{Bindings: make([]bindingInfo, 0, len(bindings))}
	for _, binding := range bindings {
		response.Bindings = append(response.Bindings, bindingInfo{
			ProxyID:       binding.ProxyID,
			KeyID:         binding.KeyID,
			IsActive:      binding.IsActive,
			CreatedAt:     wireTime(binding.CreatedAt),
			DeactivatedAt: wireTime(binding.DeactivatedAt),
		})
	}
	return response, nil
}

// healthRecordInfo is the wire form of a health record.
type healthRecordInfo struct {
	ProxyID   string `cbor:"proxy_id"`
	KeyID     string `cbor:"key_id"`
	Timestamp string `cbor:"timestamp"`
	Outcome   string `cbor:"outcome"`
	LatencyMS int64  `cbor:"latency_ms"`
	Source    string `cbor:"source"`
}

type historyResponse struct {
	Records []healthRecordInfo `cbor:"records"`
}

// handleHistory returns recent health records, newest first,
// optionally filtered to one key.
func (ks *keywheelService) handleHistory(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		KeyID string `cbor:"key_id,omitempty"`
		Limit int    `cbor:"limit,omitempty"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	records, err := ks.store.RecentHealthRecords(ctx, request.KeyID, request.Limit)
	if err != nil {
		return nil, err
	}

	response := historyResponse{Records: make([]healthRecordInfo, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, healthRecordInfo{
			ProxyID:   record.ProxyID,
			KeyID:     record.KeyID,
			Timestamp: record.Timestamp.UTC().Format(time.RFC3339),
			Outcome:   string(record.Outcome),
			LatencyMS: record.Latency.Milliseconds(),
			Source:    string(record.Source),
		})
	}
	return response, nil
}
