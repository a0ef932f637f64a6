// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command keywheel is the operator CLI for the keywheel service. Its
// subcommands map onto the service's socket actions: pool status,
// key and reserve management, binding and health inspection, and
// encrypted bundle import/export. "keywheel top" opens the live
// dashboard from the rotationui package.
//
// Key material is read from a no-echo terminal prompt or piped
// stdin, never from command-line arguments.
package main
