package refstore

import (
	"strconv"
	"strings"

	"cartbot/internal/types"
)

// =============================================================================
// REFERENCE PARSING
// =============================================================================

// ordinalWords maps language-specific ordinal words to 1-based positions.
// -1 means "last". Tables cover the launch languages (en/es/id).
var ordinalWords = map[string]int{
	// English
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"last": -1,
	// Spanish
	"primero": 1, "primera": 1, "segundo": 2, "segunda": 2,
	"tercero": 3, "tercera": 3, "cuarto": 4, "quinto": 5,
	"ultimo": -1, "última": -1, "último": -1, "ultima": -1,
	// Indonesian
	"pertama": 1, "kedua": 2, "ketiga": 3, "keempat": 4, "kelima": 5,
	"terakhir": -1,
}

// fillerWords are stripped before parsing ("the first one" -> "first").
var fillerWords = map[string]bool{
	"the": true, "one": true, "option": true, "number": true, "item": true,
	"el": true, "la": true, "opcion": true, "opción": true, "numero": true, "número": true,
	"yang": true, "nomor": true, "no": true, "no.": true, "#": true,
}

// ParsePosition extracts a 1-based position from reference text.
// Returns (position, true) for numeric/ordinal references; -1 means "last".
func ParsePosition(text string) (int, bool) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	kept := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?)(")
		if f == "" || fillerWords[f] {
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) != 1 {
		return 0, false
	}
	word := kept[0]

	if n, err := strconv.Atoi(word); err == nil {
		return n, true
	}
	if pos, ok := ordinalWords[word]; ok {
		return pos, true
	}
	return 0, false
}

// IsBarePositional reports whether the text is nothing but a positional
// reference ("1", "the first one"). Used by the classifier's context step.
func IsBarePositional(text string) bool {
	_, ok := ParsePosition(text)
	return ok
}

// resolveAgainst applies the resolution algorithm to a single context:
// numeric/ordinal references map directly to items[position-1]; descriptive
// phrases substring-match against titles, Ambiguous on ties.
func resolveAgainst(ctx *types.ReferenceContext, text string) types.Resolution {
	if len(ctx.Items) == 0 {
		return types.Resolution{Status: types.ResolutionNotFound, Reason: "empty list"}
	}

	if pos, ok := ParsePosition(text); ok {
		if pos == -1 {
			pos = len(ctx.Items)
		}
		if pos < 1 || pos > len(ctx.Items) {
			return types.Resolution{Status: types.ResolutionNotFound, Reason: "position out of range"}
		}
		return types.Resolution{Status: types.ResolutionResolved, Item: ctx.Items[pos-1]}
	}

	return matchDescriptive(ctx, text)
}

// matchDescriptive scores items by title word overlap with the phrase.
func matchDescriptive(ctx *types.ReferenceContext, text string) types.Resolution {
	phrase := strings.ToLower(strings.TrimSpace(text))
	if phrase == "" {
		return types.Resolution{Status: types.ResolutionNotFound, Reason: "empty reference"}
	}
	words := strings.Fields(phrase)

	var best []types.RefItem
	bestScore := 0
	for _, item := range ctx.Items {
		title := strings.ToLower(item.Title)
		score := 0
		if strings.Contains(title, phrase) || strings.Contains(phrase, title) {
			score += 2
		}
		for _, w := range words {
			if len(w) >= 3 && strings.Contains(title, w) {
				score++
			}
		}
		if score == 0 {
			continue
		}
		switch {
		case score > bestScore:
			bestScore = score
			best = []types.RefItem{item}
		case score == bestScore:
			best = append(best, item)
		}
	}

	switch len(best) {
	case 0:
		return types.Resolution{Status: types.ResolutionNotFound, Reason: "no title match"}
	case 1:
		return types.Resolution{Status: types.ResolutionResolved, Item: best[0]}
	default:
		return types.Resolution{Status: types.ResolutionAmbiguous, Candidates: best}
	}
}
