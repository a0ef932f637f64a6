// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotationui

import "testing"

func TestFuzzyMatch_Basics(t *testing.T) {
	tests := []struct {
		text    string
		pattern string
		matched bool
	}{
		{"key-live-1 openai", "", true},
		{"key-live-1 openai", "live", true},
		{"key-live-1 openai", "kl1", true},   // scattered in-order runes
		{"key-live-1 openai", "openai", true},
		{"key-live-1 openai", "LIVE", false}, // pattern is pre-lowered by the caller
		{"key-live-1 openai", "anthropic", false},
		{"key-live-1 openai", "evil", false}, // out of order
	}

	for _, test := range tests {
		t.Run(test.pattern, func(t *testing.T) {
			result := FuzzyMatch(test.text, []rune(test.pattern))
			if result.Matched != test.matched {
				t.Errorf("FuzzyMatch(%q, %q).Matched = %v, want %v",
					test.text, test.pattern, result.Matched, test.matched)
			}
		})
	}
}

func TestFuzzyMatch_RanksContiguousHigher(t *testing.T) {
	contiguous := FuzzyMatch("key-spare-9", []rune("spare"))
	scattered := FuzzyMatch("key-s1-prod-arena-east", []rune("spare"))

	if !contiguous.Matched || !scattered.Matched {
		t.Fatal("both candidates should match")
	}
	if contiguous.Score <= scattered.Score {
		t.Errorf("contiguous score %d should beat scattered score %d",
			contiguous.Score, scattered.Score)
	}
}
