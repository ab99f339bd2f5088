package eval

import (
	"regexp"
	"strings"
	"unicode"
)

// normalizeLLMText normalizes Unicode characters commonly inserted by LLMs
// so that substring matching works reliably. Handles:
//   - Unicode whitespace → ASCII space (U+202F, U+00A0, etc.)
//   - Unicode hyphens → ASCII hyphen (U+2011, U+2010, U+2012, U+2013, U+2014)
//   - Strips zero-width characters (U+200B, U+200C, U+200D, U+FEFF)
func normalizeLLMText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		case r == '‐' || r == '‑' || r == '‒' || r == '–' || r == '—':
			b.WriteByte('-')
		case r == '​' || r == '‌' || r == '‍' || r == '\uFEFF':
			// strip zero-width characters
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var errorIndicators = []string{
	"error", "exception", "failed", "invalid", "not found",
	"syntax error", "table not found", "column not found", "unable to answer",
}

var noResultIndicators = []string{
	"no results found", "no data found", "empty result", "0 rows",
	"no records", "no matching records", "no matches",
}

var (
	digitsRe    = regexp.MustCompile(`\d+`)
	decimalRe   = regexp.MustCompile(`\d+\.\d+`)
	headerRe    = regexp.MustCompile(`(?m)^[A-Z][^:\n]*:`)
	wordRe      = regexp.MustCompile(`[a-zA-Z]+`)
	datePattern = []*regexp.Regexp{
		regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
		regexp.MustCompile(`\d{2}/\d{2}/\d{4}`),
		regexp.MustCompile(`[A-Za-z]+ \d{1,2}, \d{4}`),
	}
)

// computeAccuracy scores how completely a response answers the question,
// in [0, 1]. Responses reporting an error score 0.1.
func computeAccuracy(question, response string) float64 {
	if strings.TrimSpace(response) == "" {
		return 0
	}
	lower := strings.ToLower(normalizeLLMText(response))
	for _, ind := range errorIndicators {
		if strings.Contains(lower, ind) {
			return 0.1
		}
	}

	score := 0.6
	for _, ind := range noResultIndicators {
		if strings.Contains(lower, ind) {
			score = 0.3
			break
		}
	}
	if digitsRe.MatchString(response) {
		score += 0.2
	}
	if strings.ContainsAny(response, "|\t\n") {
		score += 0.1
	}

	overlap := 0
	answerWords := keywords(response)
	for w := range keywords(question) {
		if answerWords[w] {
			overlap++
		}
	}
	score += min(0.1, float64(overlap)*0.02)
	return clamp(score)
}

// computeQuality scores formatting and clarity, in [0, 1].
func computeQuality(response string) float64 {
	if strings.TrimSpace(response) == "" {
		return 0
	}
	score := 0.3
	switch {
	case strings.ContainsAny(response, "|\t"):
		score += 0.2
	case strings.Count(response, "\n") > 2:
		score += 0.1
	}
	if headerRe.MatchString(response) {
		score += 0.1
	}
	if decimalRe.MatchString(response) {
		score += 0.1
	}
	if strings.Contains(response, "$") || strings.Contains(response, "USD") {
		score += 0.1
	}
	for _, re := range datePattern {
		if re.MatchString(response) {
			score += 0.1
			break
		}
	}
	switch n := len(response); {
	case n >= 50 && n <= 2000:
		score += 0.1
	case n > 2000:
		score += 0.05
	}
	return clamp(score)
}

// computeFactRecall returns the fraction of expected facts found in the
// answer. Each fact may contain pipe-separated alternatives, where matching
// any alternative counts as a hit for that fact.
func computeFactRecall(answer string, expectedFacts []string) float64 {
	if answer == "" || len(expectedFacts) == 0 {
		return 0
	}

	normalized := normalizeLLMText(strings.ToLower(answer))
	// Spaces collapsed so facts like "5%" match "5 %".
	spaceless := strings.ReplaceAll(normalized, " ", "")
	found := 0
	for _, fact := range expectedFacts {
		for _, alt := range strings.Split(fact, "|") {
			alt = strings.TrimSpace(alt)
			if alt == "" {
				continue
			}
			normAlt := normalizeLLMText(strings.ToLower(alt))
			if strings.Contains(normalized, normAlt) ||
				strings.Contains(spaceless, strings.ReplaceAll(normAlt, " ", "")) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(expectedFacts))
}

var stopWords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true,
	"are": true, "was": true, "were": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true, "may": true,
	"might": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "you": true, "she": true, "they": true, "him": true,
	"her": true, "them": true, "your": true, "his": true, "its": true,
	"our": true, "their": true,
}

// keywords returns the lower-cased words longer than two letters that are
// not stop words.
func keywords(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		if len(w) > 2 && !stopWords[w] {
			out[w] = true
		}
	}
	return out
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
