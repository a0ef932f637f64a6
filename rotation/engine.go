// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/secret"
)

// Engine owns every key status transition and every binding mutation.
// All other components — the health monitor, the service handlers, the
// CLI — route state changes through it. It holds no in-process state
// beyond its collaborators: the store's conditional updates are the
// synchronization primitive, so multiple engine instances (or
// processes) over the same database behave correctly.
type Engine struct {
	store  *Store
	vault  *Vault
	ledger *Ledger
	cfg    RotationConfig
	clock  clock.Clock
	logger *slog.Logger
}

// EngineConfig holds the collaborators for NewEngine. All fields are
// required.
type EngineConfig struct {
	Store  *Store
	Vault  *Vault
	Ledger *Ledger
	Policy RotationConfig
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewEngine validates the configuration and creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("rotation engine: Store is required")
	case cfg.Vault == nil:
		return nil, fmt.Errorf("rotation engine: Vault is required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("rotation engine: Ledger is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("rotation engine: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("rotation engine: Logger is required")
	}
	return &Engine{
		store:  cfg.Store,
		vault:  cfg.Vault,
		ledger: cfg.Ledger,
		cfg:    cfg.Policy,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// backoff returns the cooldown duration for a key entering its
// (streak+1)-th consecutive cooldown: base doubled streak times,
// capped at the ceiling.
func (e *Engine) backoff(streak int) time.Duration {
	d := e.cfg.BaseCooldown
	for i := 0; i < streak; i++ {
		d *= 2
		if d >= e.cfg.MaxCooldown {
			return e.cfg.MaxCooldown
		}
	}
	if d > e.cfg.MaxCooldown {
		return e.cfg.MaxCooldown
	}
	return d
}

// Acquire returns the key currently bound to proxyID, binding one
// first if the proxy has none. Selection ranks eligible keys by
// health score, then least-recently-assigned; identically ranked
// candidates are picked among at random, so concurrent acquirers
// spread across the pool instead of racing for one key. When the
// active pool is exhausted it promotes a backup and retries;
// ErrPoolExhausted means no key and no backup remains.
//
// A lost binding race is retried with a fresh selection up to the
// configured limit, then surfaced as ErrBindingConflict.
func (e *Engine) Acquire(ctx context.Context, proxyID string) (*KeyHandle, error) {
	if proxyID == "" {
		return nil, fmt.Errorf("rotation: proxy id is required")
	}

	// Fast path: the proxy already holds a healthy binding.
	binding, err := e.store.ActiveBindingForProxy(ctx, proxyID)
	if err != nil {
		return nil, err
	}
	if binding != nil {
		key, err := e.store.GetKey(ctx, binding.KeyID)
		if err != nil {
			return nil, err
		}
		if key.Status == StatusActive {
			return e.handleFor(ctx, key, proxyID)
		}
		// Crash between the key transition and the binding
		// deactivation left a binding pointing at a non-active key.
		// Heal it and fall through to fresh selection.
		e.logger.Warn("healing binding to non-active key",
			"proxy", proxyID, "key", key.ID, "status", key.Status)
		if _, err := e.store.DeactivateBinding(ctx, proxyID, binding.KeyID); err != nil {
			return nil, err
		}
	}

	for attempt := 0; attempt < e.cfg.AcquireRetryLimit; attempt++ {
		handle, retry, err := e.acquireOnce(ctx, proxyID)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			return handle, nil
		}
		if !retry {
			break
		}
	}
	return nil, fmt.Errorf("%w: proxy %q lost %d selection races", ErrBindingConflict, proxyID, e.cfg.AcquireRetryLimit)
}

// acquireOnce runs one selection attempt. Returns a nil handle with
// retry=true when a CAS or binding race was lost and the caller
// should re-select.
func (e *Engine) acquireOnce(ctx context.Context, proxyID string) (handle *KeyHandle, retry bool, err error) {
	now := e.clock.Now()

	candidates, err := e.store.SelectableKeys(ctx, now)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) == 0 {
		promoted, err := e.PromoteBackup(ctx)
		if err != nil {
			if errors.Is(err, ErrPoolExhausted) {
				return nil, false, fmt.Errorf("%w: no selectable key and no backup for proxy %q", ErrPoolExhausted, proxyID)
			}
			return nil, false, err
		}
		e.logger.Info("promoted backup under pool exhaustion", "key", promoted, "proxy", proxyID)
		return nil, true, nil
	}

	ids := make([]string, len(candidates))
	for i, key := range candidates {
		ids[i] = key.ID
	}
	scores, err := e.ledger.ScoreKeys(ctx, ids, now)
	if err != nil {
		return nil, false, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		// Never-assigned keys (zero time) sort before any assigned
		// key, then least recently assigned first.
		if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
			return a.LastAssignedAt.Before(b.LastAssignedAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	// Equally ranked candidates are interchangeable. Concurrent
	// acquirers that all deterministically took the first would herd
	// onto one key and burn every retry losing the same insert race,
	// so the pick within the leading rank is random.
	tie := 1
	for tie < len(candidates) &&
		scores[candidates[tie].ID] == scores[candidates[0].ID] &&
		candidates[tie].LastAssignedAt.Equal(candidates[0].LastAssignedAt) {
		tie++
	}
	//nolint:gosec // The random pick spreads contention, not security.
	chosen := candidates[rand.Intn(tie)]

	// Lazy reactivation: an expired cooling_down candidate flips back
	// to active before it can be bound. Lost CAS means another writer
	// touched the key; re-select.
	if chosen.Status == StatusCoolingDown {
		applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
			ID:                chosen.ID,
			From:              StatusCoolingDown,
			To:                StatusActive,
			TransientFailures: chosen.TransientFailures,
			CooldownStreak:    chosen.CooldownStreak,
		})
		if err != nil {
			return nil, false, err
		}
		if !applied {
			return nil, true, nil
		}
		e.logger.Info("reactivated key on selection", "key", chosen.ID)
		chosen.Status = StatusActive
	}

	if err := e.store.CreateBinding(ctx, proxyID, chosen.ID); err != nil {
		if errors.Is(err, ErrBindingConflict) {
			// Either another caller bound this proxy (serve their
			// result) or stole the chosen key (re-select).
			existing, lookupErr := e.store.ActiveBindingForProxy(ctx, proxyID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing != nil {
				key, keyErr := e.store.GetKey(ctx, existing.KeyID)
				if keyErr != nil {
					return nil, false, keyErr
				}
				handle, handleErr := e.handleFor(ctx, key, proxyID)
				return handle, false, handleErr
			}
			return nil, true, nil
		}
		return nil, false, err
	}

	if err := e.store.SetLastAssigned(ctx, chosen.ID, now); err != nil {
		return nil, false, err
	}

	e.logger.Info("bound key to proxy", "proxy", proxyID, "key", chosen.ID,
		"score", scores[chosen.ID])
	handle, err = e.handleFor(ctx, &chosen, proxyID)
	return handle, false, err
}

// handleFor decrypts the key's material and builds the caller-facing
// handle.
func (e *Engine) handleFor(ctx context.Context, key *Key, proxyID string) (*KeyHandle, error) {
	sealed, err := e.store.KeyMaterial(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	material, err := e.vault.Open(key.ID, sealed)
	if err != nil {
		return nil, fmt.Errorf("rotation: opening material for key %q: %w", key.ID, err)
	}
	defer material.Close()

	return &KeyHandle{
		KeyID:       key.ID,
		ProxyID:     proxyID,
		Provider:    key.Provider,
		Fingerprint: key.Fingerprint,
		Material:    material.String(),
	}, nil
}

// OpenMaterial decrypts a key's material into guarded memory. The
// caller owns the returned buffer and must close it.
func (e *Engine) OpenMaterial(ctx context.Context, keyID string) (*secret.Buffer, error) {
	sealed, err := e.store.KeyMaterial(ctx, keyID)
	if err != nil {
		return nil, err
	}
	material, err := e.vault.Open(keyID, sealed)
	if err != nil {
		return nil, fmt.Errorf("rotation: opening material for key %q: %w", keyID, err)
	}
	return material, nil
}

// OpenBackupMaterial decrypts a backup key's material into guarded
// memory, for bundle export. The caller owns the returned buffer and
// must close it.
func (e *Engine) OpenBackupMaterial(ctx context.Context, id string) (*secret.Buffer, error) {
	sealed, err := e.store.BackupMaterial(ctx, id)
	if err != nil {
		return nil, err
	}
	material, err := e.vault.Open(id, sealed)
	if err != nil {
		return nil, fmt.Errorf("rotation: opening material for backup %q: %w", id, err)
	}
	return material, nil
}

// ReportOutcome records the outcome of traffic the proxy sent with
// the key and applies the failure policy. The health record is always
// appended, even for stale reports. The returned handle is non-nil
// only when the report cooled the key down and the proxy held its
// binding: it is the replacement assignment. A nil handle with nil
// error means the proxy keeps its current key.
func (e *Engine) ReportOutcome(ctx context.Context, proxyID, keyID string, outcome Outcome, latency time.Duration) (*KeyHandle, error) {
	return e.report(ctx, proxyID, keyID, outcome, latency, SourceTraffic)
}

// ReportProbe is ReportOutcome for synthetic health probes. Identical
// policy, distinct record source.
func (e *Engine) ReportProbe(ctx context.Context, proxyID, keyID string, outcome Outcome, latency time.Duration) (*KeyHandle, error) {
	return e.report(ctx, proxyID, keyID, outcome, latency, SourceProbe)
}

func (e *Engine) report(ctx context.Context, proxyID, keyID string, outcome Outcome, latency time.Duration, source RecordSource) (*KeyHandle, error) {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return nil, err
	}

	key, err := e.store.GetKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	if err := e.store.AppendHealthRecord(ctx, HealthRecord{
		ProxyID:   proxyID,
		KeyID:     keyID,
		Timestamp: now,
		Outcome:   outcome,
		Latency:   latency,
		Source:    source,
	}); err != nil {
		return nil, err
	}

	cooled, err := e.applyPolicy(ctx, key, outcome, now)
	if err != nil {
		return nil, err
	}
	if !cooled {
		return nil, nil
	}

	hadBinding, err := e.store.DeactivateBinding(ctx, proxyID, keyID)
	if err != nil {
		return nil, err
	}
	if !hadBinding {
		// Stale report: the policy applied to the key, but this proxy
		// did not hold the binding, so there is nothing to replace.
		e.logger.Info("stale outcome report", "proxy", proxyID, "key", keyID, "outcome", outcome)
		return nil, nil
	}

	return e.Acquire(ctx, proxyID)
}

// applyPolicy applies the outcome to the key's status and counters.
// Reports whether the key was cooled down by this call.
func (e *Engine) applyPolicy(ctx context.Context, key *Key, outcome Outcome, now time.Time) (cooled bool, err error) {
	for attempt := 0; attempt < e.cfg.AcquireRetryLimit; attempt++ {
		switch outcome {
		case OutcomeOK:
			if key.Status != StatusActive || (key.TransientFailures == 0 && key.CooldownStreak == 0) {
				return false, nil
			}
			applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
				ID: key.ID, From: StatusActive, To: StatusActive,
			})
			if err != nil {
				return false, err
			}
			if applied {
				return false, nil
			}

		case OutcomeRateLimited, OutcomeAuthError:
			if key.Status != StatusActive {
				// Already out of rotation: another writer applied the
				// transition (or an operator disabled the key). The
				// report is satisfied without a second backoff.
				return false, nil
			}
			applied, err := e.coolDown(ctx, key, now)
			if err != nil {
				return false, err
			}
			if applied {
				return true, nil
			}

		case OutcomeNetworkError, OutcomeTimeout:
			if key.Status != StatusActive {
				return false, nil
			}
			failures := key.TransientFailures + 1
			if failures >= e.cfg.TransientFailureThreshold {
				applied, err := e.coolDown(ctx, key, now)
				if err != nil {
					return false, err
				}
				if applied {
					return true, nil
				}
			} else {
				applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
					ID: key.ID, From: StatusActive, To: StatusActive,
					TransientFailures: failures,
					CooldownStreak:    key.CooldownStreak,
				})
				if err != nil {
					return false, err
				}
				if applied {
					return false, nil
				}
			}
		}

		// Lost the CAS: re-read and re-decide with fresh state.
		key, err = e.store.GetKey(ctx, key.ID)
		if err != nil {
			return false, err
		}
	}
	return false, fmt.Errorf("%w: key %q policy update lost %d races", ErrBindingConflict, key.ID, e.cfg.AcquireRetryLimit)
}

// coolDown CAS-transitions an active key into cooling_down with
// exponential backoff. The transient counter resets; the streak
// increments so consecutive cooldowns double the interval.
func (e *Engine) coolDown(ctx context.Context, key *Key, now time.Time) (bool, error) {
	until := now.Add(e.backoff(key.CooldownStreak))
	applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
		ID:             key.ID,
		From:           StatusActive,
		To:             StatusCoolingDown,
		CooldownUntil:  until,
		CooldownStreak: key.CooldownStreak + 1,
	})
	if err != nil {
		return false, err
	}
	if applied {
		e.logger.Info("key cooling down", "key", key.ID,
			"until", until, "streak", key.CooldownStreak+1)
	}
	return applied, nil
}

// AddKey seals the material and inserts a new active key. The
// material buffer is borrowed, not closed.
func (e *Engine) AddKey(ctx context.Context, id, provider string, material *secret.Buffer) error {
	if id == "" || provider == "" {
		return fmt.Errorf("rotation: key id and provider are required")
	}
	sealed, err := e.vault.Seal(id, material)
	if err != nil {
		return fmt.Errorf("rotation: sealing material for key %q: %w", id, err)
	}
	fingerprint, err := e.vault.Fingerprint(material)
	if err != nil {
		return err
	}
	if err := e.store.InsertKey(ctx, &Key{
		ID:          id,
		Provider:    provider,
		Status:      StatusActive,
		Fingerprint: fingerprint,
	}, sealed); err != nil {
		return err
	}
	e.logger.Info("added key", "key", id, "provider", provider, "fingerprint", fingerprint)
	return nil
}

// AddBackup seals the material and stores a reserve credential. The
// material buffer is borrowed, not closed.
func (e *Engine) AddBackup(ctx context.Context, id, provider string, material *secret.Buffer) error {
	if id == "" || provider == "" {
		return fmt.Errorf("rotation: backup id and provider are required")
	}
	sealed, err := e.vault.Seal(id, material)
	if err != nil {
		return fmt.Errorf("rotation: sealing material for backup %q: %w", id, err)
	}
	if err := e.store.AddBackupKey(ctx, id, provider, sealed); err != nil {
		return err
	}
	e.logger.Info("added backup key", "key", id, "provider", provider)
	return nil
}

// SetKeyStatus applies an operator-initiated enable or disable. The
// transition is CAS-checked against the observed status; disabling
// also deactivates any binding the key holds.
func (e *Engine) SetKeyStatus(ctx context.Context, keyID string, to KeyStatus) error {
	if to != StatusActive && to != StatusDisabled {
		return fmt.Errorf("%w: operator transitions may only target active or disabled", ErrInvalidTransition)
	}

	for attempt := 0; attempt < e.cfg.AcquireRetryLimit; attempt++ {
		key, err := e.store.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		if key.Status == to {
			return nil
		}
		applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
			ID:   keyID,
			From: key.Status,
			To:   to,
		})
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if to == StatusDisabled {
			e.releaseBindingsFor(ctx, keyID)
		}
		e.logger.Info("operator status change", "key", keyID, "from", key.Status, "to", to)
		return nil
	}
	return fmt.Errorf("%w: key %q status change lost %d races", ErrBindingConflict, keyID, e.cfg.AcquireRetryLimit)
}

// releaseBindingsFor deactivates the active binding, if any, held by
// a key leaving rotation. Best-effort: the sweep heals any binding
// this misses.
func (e *Engine) releaseBindingsFor(ctx context.Context, keyID string) {
	bindings, err := e.store.ListActiveBindings(ctx)
	if err != nil {
		e.logger.Error("listing bindings for release", "key", keyID, "error", err)
		return
	}
	for _, binding := range bindings {
		if binding.KeyID != keyID {
			continue
		}
		if _, err := e.store.DeactivateBinding(ctx, binding.ProxyID, keyID); err != nil {
			e.logger.Error("releasing binding", "proxy", binding.ProxyID, "key", keyID, "error", err)
		}
	}
}

// PromoteBackup promotes the oldest unused backup key into the pool
// as a new active key carrying the backup's material. The store claims
// the backup and inserts the key in one transaction, so a failed
// promotion leaves the reserve intact. Returns ErrPoolExhausted when
// no backup remains.
func (e *Engine) PromoteBackup(ctx context.Context) (string, error) {
	for attempt := 0; attempt < e.cfg.AcquireRetryLimit; attempt++ {
		id, provider, sealed, err := e.store.OldestUnusedBackup(ctx)
		if err != nil {
			return "", err
		}

		// The blob was sealed under the backup's id, which the promoted
		// key keeps, so it stays openable as-is.
		material, err := e.vault.Open(id, sealed)
		if err != nil {
			return "", fmt.Errorf("rotation: opening promoted backup %q: %w", id, err)
		}
		fingerprint, err := e.vault.Fingerprint(material)
		material.Close()
		if err != nil {
			return "", err
		}

		applied, err := e.store.PromoteBackupKey(ctx, &Key{
			ID:          id,
			Provider:    provider,
			Status:      StatusActive,
			Fingerprint: fingerprint,
		}, sealed)
		if err != nil {
			return "", fmt.Errorf("rotation: promoting backup %q: %w", id, err)
		}
		if !applied {
			// A concurrent caller claimed this backup first; the next
			// peek sees the new reserve head.
			continue
		}

		e.logger.Info("promoted backup key", "key", id, "provider", provider)
		return id, nil
	}
	return "", fmt.Errorf("%w: backup promotion lost %d claim races", ErrBindingConflict, e.cfg.AcquireRetryLimit)
}

// SweepResult summarizes one reconciliation pass.
type SweepResult struct {
	Reactivated    int
	HealedBindings int
}

// Sweep reconciles the pool: expired cooling_down keys flip back to
// active, and bindings pointing at non-active keys are deactivated.
// Idempotent; safe to run concurrently with traffic (every mutation
// is CAS-checked, and a lost race means someone else already fixed
// it).
func (e *Engine) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := e.clock.Now()

	expired, err := e.store.ExpiredCooldowns(ctx, now)
	if err != nil {
		return result, err
	}
	for _, key := range expired {
		applied, err := e.store.CompareAndSwapKey(ctx, KeyTransition{
			ID:                key.ID,
			From:              StatusCoolingDown,
			To:                StatusActive,
			TransientFailures: key.TransientFailures,
			CooldownStreak:    key.CooldownStreak,
		})
		if err != nil {
			return result, err
		}
		if applied {
			result.Reactivated++
			e.logger.Info("reactivated key on sweep", "key", key.ID)
		}
	}

	bindings, err := e.store.ListActiveBindings(ctx)
	if err != nil {
		return result, err
	}
	for _, binding := range bindings {
		key, err := e.store.GetKey(ctx, binding.KeyID)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				e.logger.Warn("binding references missing key",
					"proxy", binding.ProxyID, "key", binding.KeyID)
			} else {
				return result, err
			}
		} else if key.Status == StatusActive {
			continue
		}
		healed, err := e.store.DeactivateBinding(ctx, binding.ProxyID, binding.KeyID)
		if err != nil {
			return result, err
		}
		if healed {
			result.HealedBindings++
			e.logger.Warn("healed binding to non-active key",
				"proxy", binding.ProxyID, "key", binding.KeyID)
		}
	}

	return result, nil
}

// RunSweeper runs Sweep on the configured interval until the context
// is cancelled. Errors are logged, not fatal: a transient store
// outage on one pass does not stop reconciliation.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	e.logger.Info("sweeper started", "interval", e.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			result, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error("sweep failed", "error", err)
				continue
			}
			if result.Reactivated > 0 || result.HealedBindings > 0 {
				e.logger.Info("sweep completed",
					"reactivated", result.Reactivated,
					"healed_bindings", result.HealedBindings)
			}
		}
	}
}
