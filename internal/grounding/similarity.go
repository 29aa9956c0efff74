package grounding

import (
	"strings"
	"unicode"
)

// =============================================================================
// TEXT SIMILARITY
// =============================================================================
//
// Echo detection needs a bounded [0,1] score between a draft sentence and
// the customer's message. Word-set overlap with a containment term catches
// both rephrased echoes and short messages swallowed into longer sentences.

// normalizeWords lowercases, strips punctuation and splits into words.
func normalizeWords(s string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Fields(b.String())
}

// Similarity returns a [0,1] score between two texts. It is the max of the
// Jaccard index and the containment ratio of the smaller word set, so a
// short customer message fully embedded in a longer sentence still scores 1.
func Similarity(a, b string) float64 {
	wa, wb := normalizeWords(a), normalizeWords(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	seen := make(map[string]bool, len(wa))
	for _, w := range wa {
		seen[w] = true
	}
	common := 0
	seenB := make(map[string]bool, len(wb))
	for _, w := range wb {
		if seenB[w] {
			continue
		}
		seenB[w] = true
		if seen[w] {
			common++
		}
	}

	union := len(seen) + len(seenB) - common
	jaccard := float64(common) / float64(union)

	small := len(seen)
	if len(seenB) < small {
		small = len(seenB)
	}
	containment := float64(common) / float64(small)

	if containment > jaccard {
		return containment
	}
	return jaccard
}
