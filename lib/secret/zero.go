// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

// Zero overwrites the slice with zero bytes. Used to scrub transient
// heap copies of key material once they have been copied into guarded
// memory. Go's compiler does not elide the loop: the slice escapes
// through the caller, so the writes are observable.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
