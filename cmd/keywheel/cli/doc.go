// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the keywheel
// operator CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a parameter struct
// whose tagged fields become pflag flags (see [BindFlags]), and a Run
// function. Commands are assembled into a tree in
// cmd/keywheel/commands.go and dispatched via [Command.Execute],
// which handles flag parsing, subcommand routing, and structured help
// output with examples.
//
// When a user types an unknown subcommand or flag, the framework
// computes Levenshtein edit distance against all known names and
// suggests the closest match (threshold: distance <= 3). This is
// implemented in suggest.go.
//
// [ServiceConnection] manages the --socket flag shared by every
// command that talks to the keywheel service, and
// [DiagnoseCallError] turns connection failures into categorized
// errors with hints by consulting the service's heartbeat file.
// [ReadSecret] reads key material from a no-echo terminal prompt or
// piped stdin, never from argv.
package cli
