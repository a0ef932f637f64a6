// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"errors"
	"fmt"
)

// Sentinel errors for the rotation engine. Callers test with
// errors.Is; the service layer maps them to protocol error strings.
var (
	// ErrPoolExhausted means no active key is available and no unused
	// backup remains. Terminal from the engine's point of view: the
	// caller decides whether to skip the proxy or retry later once
	// keys have been provisioned or cooldowns have expired.
	ErrPoolExhausted = errors.New("rotation: key pool exhausted")

	// ErrBindingConflict means another caller won a race for the same
	// proxy or key. The engine retries internally with a fresh
	// selection up to the configured bound before surfacing this.
	ErrBindingConflict = errors.New("rotation: binding conflict")

	// ErrStoreUnavailable wraps a store I/O failure. Transient: the
	// caller should back off and retry.
	ErrStoreUnavailable = errors.New("rotation: store unavailable")

	// ErrInvalidTransition means an attempted state change violates
	// the status invariants (e.g. reactivating a disabled key). This
	// indicates a logic defect and is logged at error level, never
	// silently ignored.
	ErrInvalidTransition = errors.New("rotation: invalid state transition")

	// ErrKeyNotFound means the referenced key does not exist in the
	// store.
	ErrKeyNotFound = errors.New("rotation: key not found")
)

// Retryable reports whether the caller may expect a retry of the same
// operation to succeed without any external change. Pool exhaustion is
// deliberately not retryable: retrying cannot conjure keys, and the
// condition must surface.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrBindingConflict)
}

// storeErr wraps a low-level database error so it tests true against
// ErrStoreUnavailable while preserving the underlying chain.
func storeErr(operation string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, operation, err)
}
