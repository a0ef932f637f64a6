// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"sync/atomic"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now() when
// tests need unique identifiers for proxy IDs, key IDs, or record
// fields that must be distinguishable in a shared store.
//
//	proxyID := testutil.UniqueID("proxy")  // "proxy-1", "proxy-2", ...
//	keyID := testutil.UniqueID("key")      // "key-3", ...
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
