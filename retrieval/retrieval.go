// Package retrieval answers questions from the embedded document index: it
// embeds the question, keeps the nearest sufficiently similar units and asks
// the generation capability to answer from them.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/projector"
	"github.com/brunobiangulo/nlquery/store"
)

var (
	// ErrNoRelevantContext is returned when no indexed unit clears the
	// similarity floor. Generation is not attempted.
	ErrNoRelevantContext = errors.New("retrieval: no relevant context")

	// ErrGenerationUnavailable wraps a failed embedding or generation call.
	ErrGenerationUnavailable = errors.New("retrieval: generation unavailable")
)

var tracer = otel.Tracer("github.com/brunobiangulo/nlquery/retrieval")

// Index stores unit embeddings. store.Store and store.MemoryIndex satisfy it.
type Index interface {
	Upsert(ctx context.Context, ref string, vector []float32, unit projector.Unit) error
	Search(ctx context.Context, vector []float32, k int) ([]store.Hit, error)
}

// Config holds retrieval configuration.
type Config struct {
	TopK          int
	MinSimilarity float64
	BatchSize     int
	// Concurrency bounds embedding batches in flight during indexing.
	Concurrency int
	MaxTokens   int
	Temperature float64
}

// DefaultConfig returns the default retrieval settings.
func DefaultConfig() Config {
	return Config{
		TopK:          5,
		MinSimilarity: 0.30,
		BatchSize:     32,
		Concurrency:   4,
		MaxTokens:     512,
		Temperature:   0.1,
	}
}

// Result is a generated answer with the hits it was grounded on.
type Result struct {
	Text       string      `json:"text"`
	Hits       []store.Hit `json:"hits"`
	Context    string      `json:"-"`
	Confidence float64     `json:"confidence"`
}

// Refs returns the source references of the contributing hits.
func (r *Result) Refs() []string {
	refs := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		refs[i] = h.Ref
	}
	return refs
}

// IndexStats summarises an indexing run.
type IndexStats struct {
	Units   int `json:"units"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// Pipeline couples an index with the embedding and generation capabilities.
// Index writes take the write lock and searches take the read lock. Model
// calls run outside the lock.
type Pipeline struct {
	mu        sync.RWMutex
	index     Index
	embedder  llm.Embedder
	completer llm.Completer
	cfg       Config
}

// New creates a pipeline. Zero config fields fall back to DefaultConfig.
func New(index Index, embedder llm.Embedder, completer llm.Completer, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &Pipeline{index: index, embedder: embedder, completer: completer, cfg: cfg}
}

// Index embeds and upserts units by source reference. Re-indexing the same
// units leaves the index unchanged. A batch that fails to embed is retried
// one text at a time so a single bad unit does not lose its neighbours.
func (p *Pipeline) Index(ctx context.Context, units []projector.Unit) (IndexStats, error) {
	stats := IndexStats{Units: len(units)}
	if len(units) == 0 {
		return stats, nil
	}

	start := time.Now()
	var (
		mu     sync.Mutex
		failed int
	)
	addFailed := func(n int) {
		mu.Lock()
		failed += n
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i := 0; i < len(units); i += p.cfg.BatchSize {
		batch := units[i:min(i+p.cfg.BatchSize, len(units))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			addFailed(p.indexBatch(gctx, batch))
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	stats.Failed = failed
	stats.Indexed = len(units) - failed
	if failed == len(units) {
		return stats, fmt.Errorf("all %d units failed indexing", len(units))
	}
	if failed > 0 {
		slog.Warn("retrieval: some units failed indexing", "failed", failed, "total", len(units))
	}
	slog.Info("retrieval: indexed units",
		"units", stats.Indexed, "elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

// indexBatch returns the number of units that could not be indexed.
func (p *Pipeline) indexBatch(ctx context.Context, batch []projector.Unit) int {
	texts := make([]string, len(batch))
	for i, u := range batch {
		texts[i] = truncateForEmbed(u.Text)
	}

	vectors, err := p.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(batch) {
		err = fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(batch))
	}
	if err != nil {
		if ctx.Err() != nil {
			return len(batch)
		}
		slog.Warn("embedding batch failed, falling back to individual",
			"batch_start", batch[0].Ref.String(), "size", len(batch), "error", err)
		vectors = make([][]float32, len(batch))
		for i, text := range texts {
			if ctx.Err() != nil {
				break
			}
			single, serr := p.embedder.Embed(ctx, []string{text})
			if serr != nil || len(single) == 0 || len(single[0]) == 0 {
				slog.Warn("embedding single unit failed", "ref", batch[i].Ref.String(), "error", serr)
				continue
			}
			vectors[i] = single[0]
		}
	}
	return p.store(ctx, batch, vectors)
}

// store upserts the embedded units of a batch under the write lock. Units
// without a vector count as failed.
func (p *Pipeline) store(ctx context.Context, batch []projector.Unit, vectors [][]float32) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	failed := 0
	for i, u := range batch {
		if len(vectors[i]) == 0 {
			failed++
			continue
		}
		ref := u.Ref.String()
		if err := p.index.Upsert(ctx, ref, vectors[i], u); err != nil {
			slog.Warn("storing embedding failed", "ref", ref, "error", err)
			failed++
		}
	}
	return failed
}

// Answer answers question from the index. It fails with
// ErrNoRelevantContext when nothing clears the similarity floor and with
// ErrGenerationUnavailable when a model call fails. Cancellation of ctx is
// returned unchanged.
func (p *Pipeline) Answer(ctx context.Context, question string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.answer")
	defer span.End()

	res, err := p.answer(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("retrieval.hits", len(res.Hits)),
		attribute.Float64("retrieval.confidence", res.Confidence),
	)
	return res, nil
}

func (p *Pipeline) answer(ctx context.Context, question string) (*Result, error) {
	start := time.Now()
	vecs, err := p.embedder.Embed(ctx, []string{question})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: embedding question: %w", ErrGenerationUnavailable, err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors", ErrGenerationUnavailable, len(vecs))
	}

	p.mu.RLock()
	hits, err := p.index.Search(ctx, vecs[0], p.cfg.TopK)
	p.mu.RUnlock()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("retrieval: searching index: %w", err)
	}
	hits = relevant(hits, p.cfg.MinSimilarity)
	if len(hits) == 0 {
		slog.Debug("retrieval: no hit above similarity floor", "min_similarity", p.cfg.MinSimilarity)
		return nil, ErrNoRelevantContext
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contextText := BuildContext(hits)
	text, err := p.completer.Complete(ctx, buildPrompt(contextText, question), llm.Constraints{
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}

	res := &Result{
		Text:       text,
		Hits:       hits,
		Context:    contextText,
		Confidence: Confidence(hits),
	}
	slog.Debug("retrieval: answered",
		"hits", len(hits), "confidence", res.Confidence,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// relevant drops hits below the floor and orders the rest by descending
// similarity, breaking ties by reference.
func relevant(hits []store.Hit, floor float64) []store.Hit {
	out := make([]store.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= floor {
			out = append(out, h)
		}
	}
	slices.SortStableFunc(out, func(a, b store.Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref, b.Ref)
	})
	return out
}

// Confidence maps the mean cosine similarity of hits from [-1, 1] onto
// [0, 1].
func Confidence(hits []store.Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	var sum float64
	for _, h := range hits {
		sum += (h.Score + 1) / 2
	}
	return min(max(sum/float64(len(hits)), 0), 1)
}

// BuildContext joins hit texts, best first.
func BuildContext(hits []store.Hit) string {
	var b strings.Builder
	for i, h := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, h.Unit.Text)
	}
	return b.String()
}

func buildPrompt(contextText, question string) string {
	return fmt.Sprintf(`You are a helpful customer support assistant for an e-commerce company.
Use the following context to answer the question at the end.

Context:
%s

Question: %s

Answer the question based on the context provided. If the information is not available in the context, say so.`,
		contextText, question)
}

const maxEmbedChars = 8000

func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	// Cut at the last space before the limit to avoid splitting a word.
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut]
}
