// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so keywheel's
// time-sensitive behavior (cooldown expiry, the reconciliation sweep,
// health probe intervals, archive scheduling) is testable without real
// sleeps.
//
// Production code accepts a Clock instead of calling time.Now,
// time.After, or time.NewTicker directly:
//
//	engine := rotation.NewEngine(rotation.EngineConfig{Clock: clock.Real(), ...})
//
// Tests inject a deterministic clock and drive it:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	// ... start the background loop under test ...
//	fake.WaitForTimers(1)           // its ticker is registered
//	fake.Advance(30 * time.Second)  // fire it, exactly once
//
// WaitForTimers is the synchronization half of the pattern: it blocks
// until the goroutine under test has registered its timer, eliminating
// the register/advance race without time.Sleep.
package clock
