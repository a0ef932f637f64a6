// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rotation implements the keywheel credential pool: a set of
// upstream provider API keys, each bound to at most one egress proxy,
// rotated out of service under exponential-backoff cooldown when the
// provider signals failure, and replenished from a reserve of backup
// keys when the active pool is exhausted.
//
// The package is organized around a single-writer rule: the Engine is
// the only component that mutates key status and binding activity.
// The health monitor and traffic reports feed outcomes through the
// engine's transition logic rather than touching the store directly.
// All shared mutable state lives in the SQLite-backed Store, and every
// transition is a conditional update keyed on the state the writer
// observed, so concurrent callers (including callers in separate
// processes sharing one database) cannot double-apply a cooldown or
// bind two proxies to the same key.
//
// Main entry points:
//
//   - Engine.Acquire: return the key bound to a proxy, binding a fresh
//     one (promoting a backup if necessary) when none is bound.
//   - Engine.ReportOutcome: record a traffic outcome and apply the
//     failure policy.
//   - Engine.Sweep / Engine.RunSweeper: reactivate keys whose cooldown
//     has expired.
//   - Monitor.Run: probe bound pairs on an interval so dead keys are
//     detected without live traffic.
//   - Archiver.Run: export aged health records to compressed JSONL and
//     prune them from the database.
package rotation
