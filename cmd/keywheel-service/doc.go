// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// keywheel-service is the daemon that owns the key pool. It hosts the
// rotation engine over a SQLite store and serves the CBOR socket
// protocol that proxies use to acquire keys and report outcomes, and
// that the keywheel CLI uses for pool management.
//
// Background loops: the sweeper reactivates expired cooldowns and
// heals bindings, the health monitor probes bound keys against their
// providers, the archiver exports aged health records, and the
// heartbeat writer refreshes the liveness state file.
//
// Run with -generate-identity once at provisioning time to create the
// service's age identity (for bundle import) and the vault master key
// (for material encryption at rest).
package main
