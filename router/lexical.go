package router

import (
	"strings"
	"unicode"

	"github.com/brunobiangulo/nlquery/catalog"
)

var aggregationCues = []string{
	"how many", "how much", "total", "sum", "average", "avg", "mean", "median",
	"count", "number of", "maximum", "minimum", "max", "min", "highest", "lowest",
	"top", "most", "least", "percentage", "percent", "ratio", "rank",
}

var comparisonCues = []string{
	"more than", "less than", "greater than", "fewer than", "at least", "at most",
	"between", "above", "below", "exceeding", "equal to", "over $", "under $",
}

var retrievalCues = []string{
	"tell me about", "patterns", "pattern", "help me understand", "describe",
	"explain", "why", "insight", "insights", "summarize", "summary of",
	"overview", "what do customers say", "feedback", "sentiment", "opinion",
	"complain", "complaints", "experience", "recommend",
}

var analyticsCues = []string{
	"trend", "trends", "over time", "per month", "monthly", "weekly", "daily",
	"yearly", "growth", "distribution", "year over year", "by month", "by year",
}

var biCues = []string{
	"should we", "strategy", "opportunity", "opportunities", "improve", "churn", "retention",
}

// columnStopwords are column names too common in plain English to count as
// schema references.
var columnStopwords = map[string]bool{
	"id": true, "name": true, "title": true, "description": true,
	"comment": true, "subject": true, "state": true,
}

// cues is what Stage 1 found in a question.
type cues struct {
	aggregation []string
	comparison  []string
	columns     []string
	tables      []string
	retrieval   []string
	analytics   bool
	bi          bool
}

func (c cues) strongSQL() bool {
	return len(c.aggregation) > 0 || len(c.comparison) > 0 || len(c.columns) > 0
}

func (c cues) all() []string {
	var out []string
	add := func(kind string, words []string) {
		for _, w := range words {
			out = append(out, kind+":"+w)
		}
	}
	add("aggregation", c.aggregation)
	add("comparison", c.comparison)
	add("column", c.columns)
	add("table", c.tables)
	add("retrieval", c.retrieval)
	return out
}

// category picks a category from the cues alone.
func (c cues) category() Category {
	switch {
	case !c.strongSQL() && len(c.retrieval) > 0:
		if c.bi {
			return BusinessIntelligence
		}
		return Conversational
	case c.bi:
		return BusinessIntelligence
	case c.analytics:
		return Analytics
	case len(c.tables) >= 2:
		return Join
	case len(c.aggregation) > 0:
		return Aggregation
	case c.strongSQL() || len(c.tables) > 0:
		return Lookup
	}
	return Conversational
}

// normalize lower-cases q and maps punctuation to single spaces, keeping the
// characters comparison cues rely on.
func normalize(q string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(q) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '$', r == '<', r == '>', r == '=':
			sb.WriteRune(r)
		default:
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// contains matches phrase on word boundaries. Phrases ending in "$" match a
// following amount.
func contains(norm, phrase string) bool {
	return strings.Contains(" "+norm+" ", " "+phrase+" ") ||
		(strings.HasSuffix(phrase, "$") && strings.Contains(norm, phrase))
}

func match(norm string, phrases []string) []string {
	var found []string
	for _, p := range phrases {
		if contains(norm, p) {
			found = append(found, p)
		}
	}
	return found
}

// scan runs the Stage 1 lexical rules.
func scan(question string, cat *catalog.Catalog) cues {
	norm := normalize(question)
	c := cues{
		aggregation: match(norm, aggregationCues),
		comparison:  match(norm, comparisonCues),
		retrieval:   match(norm, retrievalCues),
		analytics:   len(match(norm, analyticsCues)) > 0,
		bi:          len(match(norm, biCues)) > 0,
	}
	if strings.ContainsAny(norm, "<>=") {
		c.comparison = append(c.comparison, "operator")
	}
	if cat == nil {
		return c
	}

	for _, t := range cat.Describe() {
		forms := []string{strings.ToLower(t.Name), strings.ReplaceAll(strings.ToLower(t.Name), "_", " "), strings.ToLower(t.EntityName())}
		for _, f := range forms {
			if contains(norm, f) {
				c.tables = append(c.tables, t.Name)
				break
			}
		}
	}
	for _, col := range cat.ColumnNames() {
		name := strings.ToLower(col)
		if columnStopwords[name] {
			continue
		}
		if contains(norm, name) || (strings.Contains(name, "_") && contains(norm, strings.ReplaceAll(name, "_", " "))) {
			c.columns = append(c.columns, col)
		}
	}
	return c
}
