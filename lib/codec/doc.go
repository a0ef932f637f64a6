// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Keywheel's standard CBOR encoding
// configuration.
//
// Keywheel uses two serialization formats with a clear boundary:
//
//   - JSON for external surfaces: the heartbeat state file, CLI
//     --json output, provider probe profiles (JSONC), and health
//     archive JSONL.
//   - CBOR for the internal protocol: the service socket between the
//     daemon and the operator CLI, and encrypted bundle payloads.
//
// This package provides the shared CBOR encoding and decoding modes so
// that the service, the client, and the bundle code encode identically
// without duplicating configuration. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. Same logical data
// always produces identical bytes.
//
// For buffer-oriented operations (bundle payloads):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the service socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR.
//     Examples: the socket request/response envelope, bundle payload
//     records.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Example: pool statistics, which
//     travel over the socket (CBOR) and land in the heartbeat file
//     and CLI --json output (JSON).
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract — doubling up is noise that obscures
// whether a type participates in JSON serialization.
package codec
