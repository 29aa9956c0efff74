package intent

import (
	"regexp"
	"sort"
	"strings"

	"cartbot/internal/types"
)

// =============================================================================
// RULE STEP
// =============================================================================

var quantityPattern = regexp.MustCompile(`\b(\d{1,4})\b`)

// classifyRules scores the message against the keyword table. The detected
// conversation language is tried first; other languages back it up since
// customers code-switch freely.
func classifyRules(table *KeywordTable, language, text string) types.ClassificationResult {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return types.ClassificationResult{Intent: types.IntentUnknown, Method: types.MethodRule}
	}

	scores := make(map[types.Intent]float64)
	langOf := make(map[types.Intent]string)
	langs := orderedLanguages(table, language)
	for _, lang := range langs {
		for _, rule := range table.Languages[lang] {
			for _, phrase := range rule.Phrases {
				if !matchPhrase(lower, phrase) {
					continue
				}
				// Longer phrases are stronger evidence.
				score := rule.Weight
				if len(strings.Fields(phrase)) >= 3 {
					score += 0.05
				}
				// Strictly greater, so on a tie the conversation's current
				// language keeps credit for the match.
				if score > scores[types.Intent(rule.Intent)] {
					scores[types.Intent(rule.Intent)] = score
					langOf[types.Intent(rule.Intent)] = lang
				}
			}
		}
	}

	best, second := topTwo(scores)
	if best.Intent == "" {
		return types.ClassificationResult{Intent: types.IntentUnknown, Method: types.MethodRule}
	}

	result := types.ClassificationResult{
		Intent:     best.Intent,
		Confidence: clampConfidence(best.Score),
		Method:     types.MethodRule,
		Slots:      extractSlots(best.Intent, lower),
		Language:   langOf[best.Intent],
	}
	// A close runner-up dilutes confidence so the router asks instead of
	// guessing between two plausible readings.
	if second.Intent != "" && best.Score-second.Score < 0.1 {
		result.Confidence = clampConfidence(best.Score - 0.25)
		result.Slots = withAlternate(result.Slots, second.Intent)
	}
	return result
}

type scoredIntent struct {
	Intent types.Intent
	Score  float64
}

func topTwo(scores map[types.Intent]float64) (best, second scoredIntent) {
	for intent, score := range scores {
		switch {
		case score > best.Score || (score == best.Score && intent < best.Intent):
			if best.Intent != "" {
				second = best
			}
			best = scoredIntent{Intent: intent, Score: score}
		case score > second.Score || (score == second.Score && intent < second.Intent):
			second = scoredIntent{Intent: intent, Score: score}
		}
	}
	return best, second
}

// matchPhrase requires word-boundary containment so "si" does not fire
// inside "considering".
func matchPhrase(text, phrase string) bool {
	idx := strings.Index(text, phrase)
	for idx >= 0 {
		beforeOK := idx == 0 || !isWordChar(text[idx-1])
		end := idx + len(phrase)
		afterOK := end >= len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		next := strings.Index(text[idx+1:], phrase)
		if next < 0 {
			return false
		}
		idx += 1 + next
	}
	return false
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b >= 'A' && b <= 'Z'
}

// orderedLanguages puts the conversation's language first and the rest in
// sorted order, so cross-language ties resolve the same way every run.
func orderedLanguages(table *KeywordTable, preferred string) []string {
	langs := make([]string, 0, len(table.Languages))
	if _, ok := table.Languages[preferred]; ok {
		langs = append(langs, preferred)
	}
	rest := make([]string, 0, len(table.Languages))
	for lang := range table.Languages {
		if lang != preferred {
			rest = append(rest, lang)
		}
	}
	sort.Strings(rest)
	return append(langs, rest...)
}

// extractSlots pulls the structured fragments rules can recover without a
// model: quantities, payment method names, the raw query.
func extractSlots(intent types.Intent, lower string) types.Slots {
	slots := types.Slots{}
	switch intent {
	case types.IntentSetQuantity:
		if m := quantityPattern.FindStringSubmatch(lower); m != nil {
			slots["quantity"] = m[1]
		}
	case types.IntentChoosePayment:
		slots["payment_method"] = paymentMethodFrom(lower)
	case types.IntentProductQuery, types.IntentFAQ:
		slots["query"] = lower
	}
	if len(slots) == 0 {
		return nil
	}
	return slots
}

func paymentMethodFrom(lower string) string {
	switch {
	case strings.Contains(lower, "cash") || strings.Contains(lower, "cod"):
		return "cod"
	case strings.Contains(lower, "transfer"):
		return "bank_transfer"
	case strings.Contains(lower, "card"):
		return "card"
	default:
		return ""
	}
}

func withAlternate(slots types.Slots, alt types.Intent) types.Slots {
	if slots == nil {
		slots = types.Slots{}
	}
	slots["alternate_intent"] = string(alt)
	return slots
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
