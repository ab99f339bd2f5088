// Package nlquery answers natural-language questions about a relational
// dataset. Each question is routed to a SQL agent, to retrieval over a
// semantic index of the same rows, or to both, and comes back as a single
// Answer with its provenance.
package nlquery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/projector"
	"github.com/brunobiangulo/nlquery/retrieval"
	"github.com/brunobiangulo/nlquery/router"
	"github.com/brunobiangulo/nlquery/sqlagent"
	"github.com/brunobiangulo/nlquery/sqlexec"
	"github.com/brunobiangulo/nlquery/store"
)

// UnableText is the answer given when no strategy produced one.
const UnableText = "I'm unable to answer that question right now. Please try rephrasing it or ask something else."

// Engine is the main entry point for the query engine.
type Engine interface {
	// Route answers a question. The only errors returned are
	// ErrDeadlineExceeded (wrapping the context error) and ErrClosed; every
	// other failure yields an Answer with confidence 0.
	Route(ctx context.Context, question string, opts ...RouteOption) (*Answer, error)

	// IndexCorpus projects and embeds row batches. Re-indexing a row
	// replaces its previous unit.
	IndexCorpus(ctx context.Context, batches ...projector.RowBatch) (retrieval.IndexStats, error)

	// IndexSource projects and embeds every batch a source yields.
	IndexSource(ctx context.Context, src projector.Source) (retrieval.IndexStats, error)

	// IndexRows re-projects every catalog table from the relational store.
	IndexRows(ctx context.Context) (retrieval.IndexStats, error)

	// DescribeSchema returns the current catalog's tables in order.
	DescribeSchema() []catalog.Table

	// Catalog returns the current catalog snapshot.
	Catalog() *catalog.Catalog

	// ReloadCatalog swaps in the catalog at path. Questions already in
	// flight keep the snapshot they started with.
	ReloadCatalog(path string) error

	// Close releases the resources the engine opened itself.
	Close() error
}

// Question is one incoming question. It lives for a single Route call.
type Question struct {
	ID        string
	Text      string
	SessionID string
	ArrivedAt time.Time
}

// Answer is the engine's only externally visible result.
type Answer struct {
	Text       string          `json:"text"`
	Strategy   router.Strategy `json:"strategy"`
	Confidence float64         `json:"confidence"`
	Provenance Provenance      `json:"provenance"`
	QuestionID string          `json:"question_id"`
	Category   router.Category `json:"category"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Provenance records how an answer was produced.
type Provenance struct {
	SQL         string          `json:"sql,omitempty"`
	RowCount    int             `json:"row_count"`
	Truncated   bool            `json:"truncated,omitempty"`
	DocumentIDs []string        `json:"document_ids,omitempty"`
	Attempts    int             `json:"attempts"`
	Category    router.Category `json:"category"`
	// Route is the strategy the router chose; Fallback is set when the
	// answer came from a strategy tried after the first.
	Route    router.Strategy `json:"route"`
	Stage    int             `json:"stage"`
	Fallback bool            `json:"fallback"`
	Cached   bool            `json:"cached,omitempty"`
}

// RouteOption configures a single Route call.
type RouteOption func(*routeOptions)

type routeOptions struct {
	strategy  *router.Strategy
	deadline  time.Duration
	sessionID string
}

// WithStrategy skips classification and forces a strategy. Fallbacks still
// apply.
func WithStrategy(s router.Strategy) RouteOption {
	return func(o *routeOptions) { o.strategy = &s }
}

// WithDeadline bounds the call in addition to any deadline on ctx.
func WithDeadline(d time.Duration) RouteOption {
	return func(o *routeOptions) { o.deadline = d }
}

// WithSessionID tags the question for the query log.
func WithSessionID(id string) RouteOption {
	return func(o *routeOptions) { o.sessionID = id }
}

// Option overrides a capability New would otherwise build from Config.
type Option func(*engineOptions)

type engineOptions struct {
	completer llm.Completer
	embedder  llm.Embedder
	executor  sqlexec.Executor
	index     retrieval.Index
	catalog   *catalog.Catalog
}

// WithCompleter sets the generation capability.
func WithCompleter(c llm.Completer) Option {
	return func(o *engineOptions) { o.completer = c }
}

// WithEmbedder sets the embedding capability.
func WithEmbedder(e llm.Embedder) Option {
	return func(o *engineOptions) { o.embedder = e }
}

// WithExecutor sets the relational store.
func WithExecutor(x sqlexec.Executor) Option {
	return func(o *engineOptions) { o.executor = x }
}

// WithIndex sets the vector index.
func WithIndex(idx retrieval.Index) Option {
	return func(o *engineOptions) { o.index = idx }
}

// WithCatalog sets the schema catalog, overriding CatalogPath.
func WithCatalog(c *catalog.Catalog) Option {
	return func(o *engineOptions) { o.catalog = c }
}

type queryLogger interface {
	LogQuery(ctx context.Context, q store.QueryLog) error
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	catalog   atomic.Pointer[catalog.Catalog]
	executor  sqlexec.Executor
	router    *router.Router
	agent     *sqlagent.Agent
	retriever *retrieval.Pipeline
	cache     *answerCache
	qlog      queryLogger
	owned     []io.Closer
	closed    atomic.Bool
}

// New creates an engine. Capabilities not supplied through options are
// built from cfg.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	e := &engine{cfg: cfg}
	if err := e.wire(o); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(o *engineOptions) error {
	cfg := e.cfg

	cat := o.catalog
	if cat == nil && cfg.CatalogPath != "" {
		var err error
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
	}
	if cat == nil {
		cat = catalog.Default()
	}
	e.catalog.Store(cat)

	completer := o.completer
	if completer == nil {
		chatLLM, err := llm.NewProvider(providerConfig(cfg.Chat))
		if err != nil {
			return fmt.Errorf("creating chat provider: %w", err)
		}
		completer = llm.NewCompleter(chatLLM, cfg.Chat.Model, cfg.RequestTimeout)
	}

	embedder := o.embedder
	if embedder == nil {
		embedLLM, err := llm.NewProvider(providerConfig(cfg.Embedding))
		if err != nil {
			return fmt.Errorf("creating embedding provider: %w", err)
		}
		embedder = llm.NewEmbedder(embedLLM, cfg.RequestTimeout)
	}

	e.executor = o.executor
	if e.executor == nil {
		x, err := sqlexec.Open(context.Background(), cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConcurrentStatements)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		e.executor = x
		e.owned = append(e.owned, x)
	}

	index := o.index
	if index == nil {
		switch cfg.IndexBackend {
		case "memory":
			index = store.NewMemoryIndex(cfg.EmbeddingDim)
		default:
			s, err := store.New(cfg.resolveIndexPath(), cfg.EmbeddingDim)
			if err != nil {
				return fmt.Errorf("opening index: %w", err)
			}
			index = s
			e.owned = append(e.owned, s)
		}
	}
	if ql, ok := index.(queryLogger); ok {
		e.qlog = ql
	}

	e.router = router.New(completer, router.Config{ClassifierThreshold: cfg.ClassifierThreshold})
	e.agent = sqlagent.New(completer, e.executor, sqlagent.Config{
		MaxAttempts:           cfg.MaxAttempts,
		RowLimit:              cfg.RowLimit,
		StatementTimeout:      cfg.StatementTimeout,
		SQLConfidence:         cfg.SQLConfidence,
		EmptyResultConfidence: cfg.EmptyResultConfidence,
		AllowedTables:         cfg.AllowedTables,
	})
	rcfg := retrieval.DefaultConfig()
	rcfg.TopK = cfg.RetrievalTopK
	rcfg.MinSimilarity = cfg.MinSimilarity
	e.retriever = retrieval.New(index, embedder, completer, rcfg)
	e.cache = newAnswerCache(cfg.QueryCacheSize, cfg.QueryCacheTTL)
	return nil
}

// providerConfig disables transport retries: a failed model call is retried
// once by Route, not by the HTTP client.
func providerConfig(c LLMConfig) llm.Config {
	return llm.Config{
		Provider: c.Provider,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		APIKey:   c.APIKey,
	}
}

// Route classifies the question and dispatches it.
func (e *engine) Route(ctx context.Context, text string, opts ...RouteOption) (*Answer, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	o := routeOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deadline)
		defer cancel()
	}

	q := Question{ID: uuid.NewString(), Text: text, SessionID: o.sessionID, ArrivedAt: time.Now()}
	cat := e.catalog.Load()

	ctx, span := tracer.Start(ctx, "nlquery.route", trace.WithAttributes(
		attribute.String("question.id", q.ID),
		attribute.String("catalog.version", cat.Version()),
	))
	defer span.End()

	key := cacheKey(cat.Version(), text, o.strategy)
	if a, ok := e.cache.get(key); ok {
		a.QuestionID = q.ID
		a.Elapsed = time.Since(q.ArrivedAt)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return a, nil
	}

	var d router.Decision
	if o.strategy != nil {
		d = e.router.Lexical(text, cat)
		d.Strategy = *o.strategy
	} else {
		var err error
		if d, err = e.router.Classify(ctx, text, cat); err != nil {
			return nil, e.abort(span, q, deadline(ctx, err))
		}
	}
	span.SetAttributes(
		attribute.String("route.strategy", d.Strategy.String()),
		attribute.String("route.category", string(d.Category)),
		attribute.Int("route.stage", d.Stage),
	)
	slog.Debug("routing question", "question_id", q.ID, "strategy", d.Strategy.String(),
		"category", d.Category, "stage", d.Stage, "confidence", d.Confidence)

	a, err := e.dispatch(ctx, q, d, cat)
	if err != nil {
		return nil, e.abort(span, q, err)
	}
	a.QuestionID = q.ID
	a.Category = d.Category
	a.Provenance.Category = d.Category
	a.Provenance.Route = d.Strategy
	a.Provenance.Stage = d.Stage
	a.Elapsed = time.Since(q.ArrivedAt)

	span.SetAttributes(
		attribute.String("answer.strategy", a.Strategy.String()),
		attribute.Float64("answer.confidence", a.Confidence),
		attribute.Bool("answer.fallback", a.Provenance.Fallback),
	)
	recordRoute(ctx, a)
	e.cache.put(key, a)
	e.logQuery(ctx, q, a)

	slog.Info("question answered",
		"question_id", q.ID, "strategy", a.Strategy.String(), "confidence", a.Confidence,
		"fallback", a.Provenance.Fallback, "elapsed", a.Elapsed.Round(time.Millisecond))
	return a, nil
}

func (e *engine) abort(span trace.Span, q Question, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Warn("question abandoned", "question_id", q.ID, "error", err,
		"elapsed", time.Since(q.ArrivedAt).Round(time.Millisecond))
	return err
}

// deadline converts an interruption into ErrDeadlineExceeded.
func deadline(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, cerr)
	}
	return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
}

// dispatch runs the strategies the decision calls for. SQL is always tried
// before retrieval when both are needed.
func (e *engine) dispatch(ctx context.Context, q Question, d router.Decision, cat *catalog.Catalog) (*Answer, error) {
	switch d.Strategy {
	case router.SQL:
		sr, err := e.runSQL(ctx, q, d, cat)
		if err != nil {
			return nil, err
		}
		if sr.State == sqlagent.Succeeded {
			return sqlAnswer(sr), nil
		}
		slog.Info("sql agent failed, falling back to retrieval", "question_id", q.ID, "attempts", sr.Attempts)
		rr, err := e.runRetrieval(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return nil, deadline(ctx, err)
			}
			return unable(router.Retrieval, sr.Attempts), nil
		}
		a := retrievalAnswer(rr)
		a.Provenance.Attempts = sr.Attempts
		a.Provenance.Fallback = true
		return a, nil

	case router.Retrieval:
		rr, err := e.runRetrieval(ctx, q)
		switch {
		case err == nil:
			return retrievalAnswer(rr), nil
		case ctx.Err() != nil:
			return nil, deadline(ctx, err)
		case !errors.Is(err, retrieval.ErrNoRelevantContext):
			return unable(router.Retrieval, 0), nil
		}
		slog.Info("no relevant context, falling back to sql", "question_id", q.ID)
		sr, err := e.runSQL(ctx, q, d, cat)
		if err != nil {
			return nil, err
		}
		if sr.State != sqlagent.Succeeded {
			return unable(router.SQL, sr.Attempts), nil
		}
		a := sqlAnswer(sr)
		a.Provenance.Fallback = true
		return a, nil

	default:
		return e.both(ctx, q, d, cat)
	}
}

// both runs SQL first and adds retrieval when SQL failed or came back empty
// for anything but a lookup. The more confident answer wins; SQL wins ties.
func (e *engine) both(ctx context.Context, q Question, d router.Decision, cat *catalog.Catalog) (*Answer, error) {
	sr, err := e.runSQL(ctx, q, d, cat)
	if err != nil {
		return nil, err
	}
	sqlOK := sr.State == sqlagent.Succeeded
	if sqlOK && (sr.RowCount > 0 || d.Category == router.Lookup) {
		return sqlAnswer(sr), nil
	}

	rr, err := e.runRetrieval(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadline(ctx, err)
		}
		if sqlOK {
			return sqlAnswer(sr), nil
		}
		return unable(router.Both, sr.Attempts), nil
	}

	ra := retrievalAnswer(rr)
	ra.Provenance.Attempts = sr.Attempts
	ra.Provenance.Fallback = true
	if sqlOK {
		sa := sqlAnswer(sr)
		if sa.Confidence >= ra.Confidence {
			return sa, nil
		}
	}
	return ra, nil
}

// runSQL runs the agent. The error is non-nil only when ctx ended.
func (e *engine) runSQL(ctx context.Context, q Question, d router.Decision, cat *catalog.Catalog) (*sqlagent.Result, error) {
	res, err := e.agent.Run(ctx, sqlagent.Request{
		Question: q.Text,
		Category: string(d.Category),
		Catalog:  cat,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, deadline(ctx, err)
		}
		slog.Warn("sql agent error", "question_id", q.ID, "error", err)
		return &sqlagent.Result{Text: UnableText, State: sqlagent.Failed}, nil
	}
	return res, nil
}

// runRetrieval answers from the index, retrying once when generation is
// unavailable.
func (e *engine) runRetrieval(ctx context.Context, q Question) (*retrieval.Result, error) {
	res, err := e.retriever.Answer(ctx, q.Text)
	if errors.Is(err, retrieval.ErrGenerationUnavailable) && ctx.Err() == nil {
		slog.Warn("generation unavailable, retrying once", "question_id", q.ID, "error", err)
		res, err = e.retriever.Answer(ctx, q.Text)
	}
	if err != nil && !errors.Is(err, retrieval.ErrNoRelevantContext) {
		slog.Warn("retrieval failed", "question_id", q.ID, "error", err)
	}
	return res, err
}

func sqlAnswer(r *sqlagent.Result) *Answer {
	a := &Answer{
		Text:       r.Text,
		Strategy:   router.SQL,
		Confidence: r.Confidence,
		Provenance: Provenance{
			RowCount:  r.RowCount,
			Truncated: r.Truncated,
			Attempts:  r.Attempts,
		},
	}
	if r.Query != nil {
		a.Provenance.SQL = r.Query.SQL
	}
	return a
}

func retrievalAnswer(r *retrieval.Result) *Answer {
	return &Answer{
		Text:       r.Text,
		Strategy:   router.Retrieval,
		Confidence: r.Confidence,
		Provenance: Provenance{DocumentIDs: r.Refs()},
	}
}

func unable(s router.Strategy, attempts int) *Answer {
	return &Answer{
		Text:       UnableText,
		Strategy:   s,
		Provenance: Provenance{Attempts: attempts, Fallback: true},
	}
}

// logQuery records the answer when query logging is on. Failures are logged
// and otherwise ignored.
func (e *engine) logQuery(ctx context.Context, q Question, a *Answer) {
	if !e.cfg.LogQueries || e.qlog == nil {
		return
	}
	err := e.qlog.LogQuery(context.WithoutCancel(ctx), store.QueryLog{
		QuestionID:   q.ID,
		SessionID:    q.SessionID,
		Question:     q.Text,
		Answer:       a.Text,
		Strategy:     a.Strategy.String(),
		Category:     string(a.Category),
		Confidence:   a.Confidence,
		SQL:          a.Provenance.SQL,
		DocumentRefs: a.Provenance.DocumentIDs,
		Attempts:     a.Provenance.Attempts,
		Fallback:     a.Provenance.Fallback,
		Elapsed:      a.Elapsed,
	})
	if err != nil {
		slog.Warn("failed to log query", "question_id", q.ID, "error", err)
	}
}

func (e *engine) IndexCorpus(ctx context.Context, batches ...projector.RowBatch) (retrieval.IndexStats, error) {
	if e.closed.Load() {
		return retrieval.IndexStats{}, ErrClosed
	}
	p := projector.New(e.catalog.Load())
	var units []projector.Unit
	for _, b := range batches {
		us, err := p.Project(b)
		if err != nil {
			return retrieval.IndexStats{}, fmt.Errorf("projecting %s: %w", b.Table, err)
		}
		units = append(units, us...)
	}
	stats, err := e.retriever.Index(ctx, units)
	e.cache.purge()
	return stats, err
}

func (e *engine) IndexSource(ctx context.Context, src projector.Source) (retrieval.IndexStats, error) {
	if e.closed.Load() {
		return retrieval.IndexStats{}, ErrClosed
	}
	start := time.Now()
	p := projector.New(e.catalog.Load())
	var total retrieval.IndexStats
	err := src.Batches(ctx, func(b projector.RowBatch) error {
		units, err := p.Project(b)
		if err != nil {
			return fmt.Errorf("projecting %s: %w", b.Table, err)
		}
		stats, err := e.retriever.Index(ctx, units)
		total.Units += stats.Units
		total.Indexed += stats.Indexed
		total.Failed += stats.Failed
		return err
	})
	e.cache.purge()
	slog.Info("indexing complete",
		"units", total.Units, "indexed", total.Indexed, "failed", total.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return total, err
}

func (e *engine) IndexRows(ctx context.Context) (retrieval.IndexStats, error) {
	return e.IndexSource(ctx, &projector.SQLSource{DB: e.executor, Catalog: e.catalog.Load()})
}

func (e *engine) DescribeSchema() []catalog.Table {
	return e.catalog.Load().Describe()
}

func (e *engine) Catalog() *catalog.Catalog {
	return e.catalog.Load()
}

func (e *engine) ReloadCatalog(path string) error {
	c, err := catalog.Load(path)
	if err != nil {
		return err
	}
	old := e.catalog.Swap(c)
	slog.Info("catalog reloaded", "path", path, "from", old.Version(), "to", c.Version())
	return nil
}

// Close cleanly shuts down the engine. It is safe to call more than once.
func (e *engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := len(e.owned) - 1; i >= 0; i-- {
		if err := e.owned[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
