// Package grounding validates rendered responses before they leave the
// engine: echo removal, disclaimer stripping, brevity enforcement and
// factual-claim verification against retrieved facts. None of the checks
// ever raise; the validator always produces a best-effort cleaned string.
package grounding

import (
	"regexp"
	"strings"

	"cartbot/internal/logging"
	"cartbot/internal/types"
)

// Issue codes emitted in ValidationResult.Issues.
const (
	IssueVerbatimEcho    = "verbatim_echo"
	IssueFuzzyEcho       = "fuzzy_echo"
	IssueDisclaimer      = "disclaimer"
	IssueTruncated       = "sentence_cap"
	IssueUnverifiedClaim = "unverified_claim"
	IssueEmptiedResponse = "emptied_response"
)

// Issue is one machine-readable validation finding.
type Issue struct {
	Code     string
	Sentence string
}

// Result carries the cleaned text plus everything that was removed.
type Result struct {
	Text   string
	Issues []Issue
}

// Config holds validator thresholds; zero values fall back to defaults.
type Config struct {
	EchoSimilarity     float64  // default 0.8
	SentenceCap        int      // default 3, non-list responses only
	DisclaimerPatterns []string // lowercase substrings
}

// Validator applies the ordered grounding checks.
type Validator struct {
	echoSimilarity float64
	sentenceCap    int
	disclaimers    []string
}

// New creates a validator.
func New(cfg Config) *Validator {
	v := &Validator{
		echoSimilarity: cfg.EchoSimilarity,
		sentenceCap:    cfg.SentenceCap,
		disclaimers:    cfg.DisclaimerPatterns,
	}
	if v.echoSimilarity <= 0 {
		v.echoSimilarity = 0.8
	}
	if v.sentenceCap <= 0 {
		v.sentenceCap = 3
	}
	return v
}

// claimPattern marks sentences asserting price, availability or policy.
var claimPattern = regexp.MustCompile(`(?i)(price|cost|costs|charge|\$\s*\d|\d+\s*(usd|eur|idr|rp)|in stock|out of stock|available|availability|refund|return policy|warranty|delivery takes|ships in)`)

// numberPattern extracts the numbers a claim asserts.
var numberPattern = regexp.MustCompile(`\d[\d.,]*`)

// Validate runs the ordered checks against a rendered response: verbatim
// echo, fuzzy echo, disclaimers, factual-claim verification against facts,
// then the sentence cap over whatever survived. Removals drop the offending
// sentence, never the whole response.
func (v *Validator) Validate(rendered, customerMessage string, facts []types.Fact) Result {
	original := rendered
	isList := looksLikeList(rendered)
	sentences := splitSentences(rendered)
	var issues []Issue

	customer := strings.TrimSpace(customerMessage)
	// Fuzzy matching against one- or two-word messages ("price?", "yes")
	// would strip nearly anything via containment; verbatim still applies.
	fuzzyEligible := len(normalizeWords(customer)) >= 3
	kept := sentences[:0]
	for _, s := range sentences {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}

		// (a) verbatim-substring echo of the customer's message.
		if len(customer) >= 4 && strings.Contains(strings.ToLower(trimmed), strings.ToLower(customer)) {
			issues = append(issues, Issue{Code: IssueVerbatimEcho, Sentence: trimmed})
			continue
		}

		// (b) fuzzy echo above the similarity threshold.
		if fuzzyEligible && Similarity(trimmed, customer) >= v.echoSimilarity {
			issues = append(issues, Issue{Code: IssueFuzzyEcho, Sentence: trimmed})
			continue
		}

		// (c) disclaimer denylist.
		if v.matchesDisclaimer(trimmed) {
			issues = append(issues, Issue{Code: IssueDisclaimer, Sentence: trimmed})
			continue
		}

		// (d) factual claims must trace to a grounding fact.
		if claimPattern.MatchString(trimmed) && !claimVerified(trimmed, facts) {
			issues = append(issues, Issue{Code: IssueUnverifiedClaim, Sentence: trimmed})
			continue
		}

		kept = append(kept, s)
	}

	// (e) sentence cap for non-list responses, preserving the final
	// actionable sentence.
	if !isList && len(kept) > v.sentenceCap {
		truncated := make([]string, 0, v.sentenceCap)
		truncated = append(truncated, kept[:v.sentenceCap-1]...)
		truncated = append(truncated, kept[len(kept)-1])
		for _, dropped := range kept[v.sentenceCap-1 : len(kept)-1] {
			issues = append(issues, Issue{Code: IssueTruncated, Sentence: strings.TrimSpace(dropped)})
		}
		kept = truncated
	}

	text := strings.TrimSpace(strings.Join(kept, " "))
	if text == "" && len(issues) > 0 {
		issues = append(issues, Issue{Code: IssueEmptiedResponse})
	}

	if len(issues) > 0 {
		codes := make([]string, len(issues))
		for i, iss := range issues {
			codes[i] = iss.Code
		}
		logging.Grounding("validation removed %d sentence(s) [%s]: original=%q cleaned=%q",
			len(issues), strings.Join(codes, ","), original, text)
	}

	return Result{Text: text, Issues: issues}
}

func (v *Validator) matchesDisclaimer(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, pat := range v.disclaimers {
		if pat != "" && strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// claimVerified checks that every number the sentence asserts appears in at
// least one grounding fact; non-numeric claims need word overlap with a fact.
func claimVerified(sentence string, facts []types.Fact) bool {
	if len(facts) == 0 {
		return false
	}
	numbers := numberPattern.FindAllString(sentence, -1)
	if len(numbers) > 0 {
		for _, num := range numbers {
			found := false
			for _, f := range facts {
				if strings.Contains(f.Text, num) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	}
	for _, f := range facts {
		if Similarity(sentence, f.Text) >= 0.5 {
			return true
		}
	}
	return false
}

// looksLikeList detects numbered/bulleted multi-line responses, which are
// exempt from the sentence cap.
var listLinePattern = regexp.MustCompile(`(?m)^\s*(\d+[.)]|[-*•])\s`)

func looksLikeList(text string) bool {
	return len(listLinePattern.FindAllString(text, 2)) >= 2
}

// splitSentences breaks text into sentences, keeping terminators attached.
// Decimal points and newline-separated list rows survive intact.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// A digit on both sides means a decimal, not a boundary.
			if r == '.' && i > 0 && i+1 < len(runes) &&
				runes[i-1] >= '0' && runes[i-1] <= '9' &&
				runes[i+1] >= '0' && runes[i+1] <= '9' {
				continue
			}
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' {
				sentences = append(sentences, strings.TrimSpace(b.String()))
				b.Reset()
			}
		}
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}
