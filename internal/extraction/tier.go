package extraction

import (
	"unicode"
	"unicode/utf8"
)

// Tier is the capability class of an extraction call.
type Tier string

const (
	TierFast     Tier = "fast"
	TierPowerful Tier = "powerful"
)

// Complexity heuristic knobs. These are a coarse proxy tuned by observation,
// not a correctness requirement.
const (
	LongTextChars          = 500
	MediumTextChars        = 200
	PowerfulScoreThreshold = 3
)

// ComplexityScore rates how hard a text is likely to be for the fast tier.
func ComplexityScore(text string) int {
	score := 0
	n := utf8.RuneCountInString(text)
	if n > LongTextChars {
		score += 2
	}
	if n > MediumTextChars {
		score++
	}
	if mixedScripts(text) {
		score++
	}
	return score
}

// SelectTier picks the tier for text.
func SelectTier(text string) Tier {
	if ComplexityScore(text) >= PowerfulScoreThreshold {
		return TierPowerful
	}
	return TierFast
}

func mixedScripts(text string) bool {
	var cyrillic, latin bool
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic = true
		case unicode.Is(unicode.Latin, r):
			latin = true
		}
		if cyrillic && latin {
			return true
		}
	}
	return false
}
