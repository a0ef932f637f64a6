// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"fmt"
	"time"
)

// KeyStatus is the lifecycle state of a pool key.
type KeyStatus string

const (
	// StatusActive means the key is eligible for selection.
	StatusActive KeyStatus = "active"

	// StatusCoolingDown means the key is suspended until its
	// CooldownUntil timestamp passes. The sweep (or lazy evaluation
	// during selection) flips it back to active.
	StatusCoolingDown KeyStatus = "cooling_down"

	// StatusDisabled means the key was taken out of rotation by an
	// operator. Disabled keys are never selected and never reactivated
	// automatically.
	StatusDisabled KeyStatus = "disabled"
)

// ParseKeyStatus validates a status string from the service boundary
// or the database.
func ParseKeyStatus(s string) (KeyStatus, error) {
	switch KeyStatus(s) {
	case StatusActive, StatusCoolingDown, StatusDisabled:
		return KeyStatus(s), nil
	}
	return "", fmt.Errorf("rotation: unknown key status %q", s)
}

// Outcome classifies one request or probe result. The set is closed:
// policy and scoring code switch exhaustively over it, so a new
// outcome kind is a compile-visible change, not a silently ignored
// string.
type Outcome string

const (
	// OutcomeOK is a successful request. Resets the key's failure
	// counters.
	OutcomeOK Outcome = "ok"

	// OutcomeRateLimited is an upstream 429. Cools the key down
	// immediately.
	OutcomeRateLimited Outcome = "rate_limited"

	// OutcomeAuthError is an upstream 401/403. Cools the key down
	// immediately — the credential is bad or revoked.
	OutcomeAuthError Outcome = "auth_error"

	// OutcomeNetworkError is a connection-level failure. Counted
	// toward the transient-failure threshold; a single blip does not
	// discard a good key.
	OutcomeNetworkError Outcome = "network_error"

	// OutcomeTimeout is a request deadline expiry. Counted the same
	// way as OutcomeNetworkError.
	OutcomeTimeout Outcome = "timeout"
)

// ParseOutcome validates an outcome string from the service boundary.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeOK, OutcomeRateLimited, OutcomeAuthError, OutcomeNetworkError, OutcomeTimeout:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("rotation: unknown outcome %q", s)
}

// IsFailure reports whether the outcome counts against the key's
// health score.
func (o Outcome) IsFailure() bool { return o != OutcomeOK }

// RecordSource distinguishes health records written from real traffic
// (via Engine.ReportOutcome) from records written by the monitor's
// proactive probes.
type RecordSource string

const (
	SourceTraffic RecordSource = "traffic"
	SourceProbe   RecordSource = "probe"
)

// Key is one upstream provider credential under pool management. The
// material itself is stored encrypted (see Vault) and never appears in
// a Key value; Fingerprint is the only material-derived identifier and
// is safe to log.
type Key struct {
	// ID uniquely identifies the key within the pool. Operator-chosen
	// (e.g. "openrouter-03").
	ID string

	// Provider names the provider profile used to probe this key.
	Provider string

	// Status is the current lifecycle state. Mutated only by the
	// Engine, always via compare-and-swap on the previous status.
	Status KeyStatus

	// CooldownUntil is set iff Status is StatusCoolingDown. A key is
	// selectable again once now >= CooldownUntil.
	CooldownUntil time.Time

	// Fingerprint is the short BLAKE3 digest of the key material,
	// in hex. Used in logs and listings in place of the material.
	Fingerprint string

	// TransientFailures counts consecutive network_error/timeout
	// outcomes. Reaching the configured threshold triggers a cooldown;
	// an ok outcome resets it.
	TransientFailures int

	// CooldownStreak counts consecutive cooldown episodes and is the
	// exponent for the backoff computation. Reset to zero by an ok
	// outcome.
	CooldownStreak int

	// LastAssignedAt is when the key was last bound to a proxy. Zero
	// for never-assigned keys, which sort first in selection.
	LastAssignedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CoolingExpired reports whether the key is cooling down but its
// cooldown deadline has passed, making it eligible for lazy
// reactivation. The boundary is inclusive: a key cooled until t is
// eligible at exactly t.
func (k *Key) CoolingExpired(now time.Time) bool {
	return k.Status == StatusCoolingDown && !k.CooldownUntil.After(now)
}

// Binding assigns a key to a proxy. Rows are never deleted; a
// superseded binding is deactivated and retained for audit. The store
// enforces at most one active binding per proxy and per key.
type Binding struct {
	ProxyID       string
	KeyID         string
	IsActive      bool
	CreatedAt     time.Time
	DeactivatedAt time.Time // zero while active
}

// BackupKey is a reserve credential awaiting promotion. Marking a
// backup used is one-way: a used backup is never reused.
type BackupKey struct {
	ID       string
	Provider string
	IsUsed   bool
	AddedAt  time.Time
	UsedAt   time.Time // zero while unused
}

// HealthRecord is one probe or traffic outcome for a (proxy, key)
// pair. Append-only.
type HealthRecord struct {
	ProxyID   string
	KeyID     string
	Timestamp time.Time
	Outcome   Outcome
	Latency   time.Duration
	Source    RecordSource
}

// KeyHandle is what Acquire hands to the caller: the key's identity
// plus its decrypted material. The material is a plain string because
// the caller immediately places it in an outbound request header; the
// handle itself must not be retained or logged.
type KeyHandle struct {
	KeyID       string
	ProxyID     string
	Provider    string
	Fingerprint string
	Material    string
}
