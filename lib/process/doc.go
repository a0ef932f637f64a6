// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the keywheel
// service and CLI binaries. These functions centralize the two
// legitimate raw I/O patterns that exist before or after the structured
// logger:
//
//   - Fatal error reporting to stderr when the logger may not be
//     initialized (pre-logger).
//   - Process exit after an unrecoverable error in main().
//
// Non-CLI code should not write to stderr directly; it goes through the
// logger. This package and lib/version are the exceptions. All other
// raw I/O in the binaries should be replaced with calls to this
// package.
package process
