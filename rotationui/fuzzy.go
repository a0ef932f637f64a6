// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import (
	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

func init() {
	if !algo.Init("default") {
		panic("rotationui: unknown fzf scoring scheme")
	}
}

// FuzzyResult is the outcome of matching a pattern against one text.
type FuzzyResult struct {
	// Matched is true when every pattern rune was found in order.
	Matched bool
	// Score ranks match quality; higher is better. Consecutive and
	// word-boundary matches score above scattered ones.
	Score int
}

// matchSlab is reused across FuzzyMatch calls from the model's
// single-goroutine Update loop. Same slab sizes fzf itself uses.
var matchSlab = util.MakeSlab(100*1024, 2048)

// FuzzyMatch runs fzf's V2 fuzzy algorithm: case-insensitive,
// unicode-normalizing, forward matching.
func FuzzyMatch(text string, pattern []rune) FuzzyResult {
	if len(pattern) == 0 {
		return FuzzyResult{Matched: true}
	}
	chars := util.ToChars([]byte(text))
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, matchSlab)
	if result.Start < 0 {
		return FuzzyResult{}
	}
	return FuzzyResult{Matched: true, Score: result.Score}
}
