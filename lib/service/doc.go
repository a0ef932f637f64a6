// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the CBOR-over-Unix-socket protocol the
// keywheel service speaks to proxies and operator tooling.
//
// The protocol is deliberately minimal: one request per connection,
// routed by a top-level "action" string, answered with an {ok, error,
// data} envelope. CBOR values are self-delimiting, so there is no
// framing layer. Access control is the socket file's permission bits.
package service
