package echo

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// wordEditTolerance is the per-word Levenshtein distance that still counts
// two words as the same word misheard.
const wordEditTolerance = 1

// textCorrelation scores how strongly candidate looks like a recognition of
// synthesized, in [0, 1]. Exact containment of one normalized string in the
// other scores 1.0; otherwise the score blends per-word fuzzy matching, a
// bonus for consecutive matched words, and closeness to the recognized
// length expected for the synthesized text.
func textCorrelation(candidate, synthesized string) float64 {
	candNorm := normalizeText(candidate)
	synthNorm := normalizeText(synthesized)
	if candNorm == "" || synthNorm == "" {
		return 0
	}

	if strings.Contains(synthNorm, candNorm) || strings.Contains(candNorm, synthNorm) {
		return 1.0
	}

	candWords := strings.Fields(candNorm)
	synthWords := strings.Fields(synthNorm)

	matched, longestRun := matchWords(candWords, synthWords)
	if matched == 0 {
		return 0
	}

	matchRatio := float64(matched) / float64(len(candWords))

	runBonus := 0.1 * float64(longestRun-1)
	if runBonus > 0.3 {
		runBonus = 0.3
	}

	lengthScore := lengthSimilarity(len(candWords), len(synthWords))

	score := 0.6*matchRatio + runBonus + 0.1*lengthScore
	if score > 1 {
		score = 1
	}
	return score
}

// matchWords counts candidate words that appear in the synthesized word list
// within the edit tolerance, and the longest run of consecutive matches.
// Matching advances through the synthesized words so repeated candidate words
// cannot all claim the same synthesized word.
func matchWords(candWords, synthWords []string) (matched, longestRun int) {
	searchFrom := 0
	run := 0
	for _, cw := range candWords {
		idx := -1
		for i := searchFrom; i < len(synthWords); i++ {
			if wordsMatch(cw, synthWords[i]) {
				idx = i
				break
			}
		}
		if idx < 0 {
			// Fall back to the full list so out-of-order matches still count,
			// but break the consecutive run.
			for i := 0; i < searchFrom; i++ {
				if wordsMatch(cw, synthWords[i]) {
					idx = i
					break
				}
			}
			run = 0
		}
		if idx >= 0 {
			matched++
			if idx == searchFrom {
				run++
			} else {
				run = 1
			}
			searchFrom = idx + 1
			if run > longestRun {
				longestRun = run
			}
		}
	}
	return matched, longestRun
}

// wordsMatch reports whether two normalized words are equal within the edit
// tolerance. Short words must match exactly; one edit in a three-letter word
// is a different word too often.
func wordsMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len([]rune(a)) <= 3 || len([]rune(b)) <= 3 {
		return false
	}
	return matchr.Levenshtein(a, b) <= wordEditTolerance
}

// lengthSimilarity scores how close the recognized word count is to what is
// expected for the synthesized length. Recognition of long synthesized text
// typically captures only part of it, so the expected count shrinks as the
// synthesized text grows.
func lengthSimilarity(candWords, synthWords int) float64 {
	expected := float64(synthWords)
	if synthWords > 10 {
		expected = float64(synthWords) * 0.6
	}
	if expected == 0 {
		return 0
	}
	diff := math.Abs(float64(candWords)-expected) / expected
	if diff > 1 {
		return 0
	}
	return 1 - diff
}

// normalizeText lowercases and strips everything but letters, digits, and
// spaces, collapsing runs of whitespace.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
