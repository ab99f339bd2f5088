package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
)

var errInvalidClassification = errors.New("router: invalid classification")

const classifierPrompt = `Classify the user's question about an e-commerce business.

Categories:
- lookup: fetch specific records or attributes
- aggregation: counts, sums, averages or rankings
- join: combines several entities (for example customers and their orders)
- analytics: trends or distributions over time
- business-intelligence: strategic questions that need interpretation
- conversational: open-ended questions about opinions, feedback or experiences

Strategies:
- sql: answerable by a database query over the tables below
- retrieval: needs free text such as reviews, ticket descriptions or comments
- both: unsure

Tables: %s

Question: %s

Respond with a JSON object: {"category": "<category>", "confidence": <0..1>, "strategy": "sql|retrieval|both"}`

type classification struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Strategy   string   `json:"strategy"`
}

var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON pulls the first JSON object out of a model reply.
func extractJSON(raw string) (string, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		return raw, nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", fmt.Errorf("no JSON object found in response")
}

// classify asks the model for a category, confidence and strategy.
func classify(ctx context.Context, comp llm.Completer, question string, cat *catalog.Catalog) (classification, error) {
	var tables string
	if cat != nil {
		tables = strings.Join(cat.TableNames(), ", ")
	}
	reply, err := comp.Complete(ctx, fmt.Sprintf(classifierPrompt, tables, question), llm.Constraints{
		MaxTokens: 100,
		JSON:      true,
	})
	if err != nil {
		return classification{}, err
	}

	raw, err := extractJSON(reply)
	if err != nil {
		return classification{}, fmt.Errorf("%w: %v", errInvalidClassification, err)
	}
	var c classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return classification{}, fmt.Errorf("%w: %v", errInvalidClassification, err)
	}
	c.Category = Category(strings.ToLower(strings.TrimSpace(string(c.Category))))
	if !c.Category.Valid() {
		return classification{}, fmt.Errorf("%w: unknown category %q", errInvalidClassification, c.Category)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return classification{}, fmt.Errorf("%w: confidence %v out of range", errInvalidClassification, c.Confidence)
	}
	if _, err := ParseStrategy(c.Strategy); err != nil {
		return classification{}, fmt.Errorf("%w: %v", errInvalidClassification, err)
	}
	return c, nil
}
