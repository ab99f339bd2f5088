// Package router classifies questions and picks the answering strategy.
//
// Classification runs in two stages. Stage 1 is lexical and deterministic:
// aggregation verbs, comparison operators and catalog column names point to
// SQL, exploratory phrasing points to retrieval. Stage 2 asks the generation
// capability for a zero-shot classification and only runs when Stage 1 is
// ambiguous.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
)

// Stage 1 confidences.
const (
	lexicalSQLConfidence       = 0.9
	lexicalRetrievalConfidence = 0.85
)

// Config holds router configuration.
type Config struct {
	// ClassifierThreshold is the Stage 2 confidence below which the router
	// hedges with Both.
	ClassifierThreshold float64
}

// Decision is the intent classification of one question.
type Decision struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Strategy   Strategy `json:"strategy"`
	// Stage is 1 when the lexical rules decided, 2 when the classifier ran.
	Stage int      `json:"stage"`
	Cues  []string `json:"cues,omitempty"`
}

// Router classifies questions. It holds no per-question state.
type Router struct {
	completer llm.Completer
	cfg       Config
}

// New creates a router. completer may be nil, in which case ambiguous
// questions go to Both without a Stage 2 call.
func New(completer llm.Completer, cfg Config) *Router {
	if cfg.ClassifierThreshold <= 0 {
		cfg.ClassifierThreshold = 0.75
	}
	return &Router{completer: completer, cfg: cfg}
}

// Classify decides how to answer question. The only error returned is a
// context error; every other failure degrades to Both.
func (r *Router) Classify(ctx context.Context, question string, cat *catalog.Catalog) (Decision, error) {
	c := scan(question, cat)
	d := lexical(c)
	if d.Strategy != Both || r.completer == nil {
		return d, nil
	}

	// Ambiguous: both cue sets fired, or none did.
	strong, exploratory := c.strongSQL(), len(c.retrieval) > 0
	d.Stage = 2

	cl, err := r.classify(ctx, question, cat)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		slog.Warn("router: classifier unavailable, routing to both", "error", err)
		return d, nil
	}

	d.Category = cl.Category
	d.Confidence = cl.Confidence
	if strong && exploratory {
		// Both cue sets fired; the classifier only refines the category.
		return d, nil
	}
	if cl.Confidence < r.cfg.ClassifierThreshold {
		slog.Debug("router: classifier below threshold", "confidence", cl.Confidence, "threshold", r.cfg.ClassifierThreshold)
		return d, nil
	}
	d.Strategy, _ = ParseStrategy(cl.Strategy)
	return d, nil
}

// Lexical runs Stage 1 only. Ambiguous questions get Both; the category
// comes from the cues alone.
func (r *Router) Lexical(question string, cat *catalog.Catalog) Decision {
	return lexical(scan(question, cat))
}

func lexical(c cues) Decision {
	d := Decision{Category: c.category(), Strategy: Both, Confidence: 0.5, Stage: 1, Cues: c.all()}
	strong, exploratory := c.strongSQL(), len(c.retrieval) > 0
	switch {
	case strong && !exploratory:
		d.Strategy, d.Confidence = SQL, lexicalSQLConfidence
	case exploratory && !strong:
		d.Strategy, d.Confidence = Retrieval, lexicalRetrievalConfidence
	}
	return d
}

// classify runs Stage 2, retrying once on a model error.
func (r *Router) classify(ctx context.Context, question string, cat *catalog.Catalog) (classification, error) {
	cl, err := classify(ctx, r.completer, question, cat)
	var me *llm.ModelError
	if err != nil && errors.As(err, &me) && ctx.Err() == nil {
		slog.Debug("router: retrying classifier", "kind", me.Kind.String())
		cl, err = classify(ctx, r.completer, question, cat)
	}
	return cl, err
}
