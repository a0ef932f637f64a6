// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package rotationui implements the live pool dashboard behind
// "keywheel top": a bubbletea model that polls the keywheel service
// and renders the key table with status, cooldown, and health score
// columns, plus active binding counts.
//
// The model is decoupled from the socket through the [Source]
// interface; [ServiceSource] adapts the service client, and tests
// drive the model with an in-memory source. Filtering uses fzf's
// fuzzy matching across key ID and provider, ranked by match score.
package rotationui
