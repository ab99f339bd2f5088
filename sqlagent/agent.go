// Package sqlagent turns a question into a validated, executed SQL query.
// Each question runs a bounded state machine: draft a statement, validate it
// against the schema catalog, execute it, and on failure recover by retrying
// the execution or re-drafting with the failure reason.
package sqlagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/sqlexec"
)

// ErrInvalidGeneratedQuery is wrapped by every ValidationError.
var ErrInvalidGeneratedQuery = errors.New("sqlagent: invalid generated query")

var tracer = otel.Tracer("github.com/brunobiangulo/nlquery/sqlagent")

// ValidationError reports why a generated statement was rejected.
type ValidationError struct {
	SQL    string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", ErrInvalidGeneratedQuery, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidGeneratedQuery }

// State is a step of the agent loop.
type State int

const (
	Drafting State = iota
	Validating
	Executing
	Recovering
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Drafting:
		return "drafting"
	case Validating:
		return "validating"
	case Executing:
		return "executing"
	case Recovering:
		return "recovering"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// GeneratedQuery is one drafted statement and its validation verdict.
type GeneratedQuery struct {
	SQL      string  `json:"sql"`
	Question string  `json:"question"`
	Category string  `json:"category,omitempty"`
	Verdict  Verdict `json:"verdict"`
	Attempt  int     `json:"attempt"`
}

// Config holds agent configuration.
type Config struct {
	MaxAttempts           int
	RowLimit              int
	StatementTimeout      time.Duration
	SQLConfidence         float64
	EmptyResultConfidence float64
	// AllowedTables restricts generation and validation. Empty allows every
	// catalog table.
	AllowedTables []string
	MaxTokens     int
	Temperature   float64
}

// DefaultConfig returns the default agent settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:           3,
		RowLimit:              1000,
		StatementTimeout:      30 * time.Second,
		SQLConfidence:         0.95,
		EmptyResultConfidence: 0.40,
		MaxTokens:             512,
	}
}

// Request is one question for the agent.
type Request struct {
	Question string
	Category string
	Catalog  *catalog.Catalog
}

// Step records one state transition for provenance and debugging.
type Step struct {
	State   State  `json:"state"`
	Attempt int    `json:"attempt"`
	SQL     string `json:"sql,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the terminal outcome of a run. State is Succeeded or Failed.
type Result struct {
	Text       string             `json:"text"`
	Confidence float64            `json:"confidence"`
	State      State              `json:"state"`
	Query      *GeneratedQuery    `json:"query,omitempty"`
	Rows       *sqlexec.ResultSet `json:"-"`
	RowCount   int                `json:"row_count"`
	Truncated  bool               `json:"truncated"`
	// Attempts counts drafts; Executions counts statements sent to the store.
	Attempts   int    `json:"attempts"`
	Executions int    `json:"executions"`
	Steps      []Step `json:"steps"`
}

// Agent drafts, validates and executes SQL.
type Agent struct {
	completer llm.Completer
	executor  sqlexec.Executor
	cfg       Config
	allow     func(string) bool
}

// New creates an agent. Zero config fields fall back to DefaultConfig.
func New(completer llm.Completer, executor sqlexec.Executor, cfg Config) *Agent {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = def.RowLimit
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = def.StatementTimeout
	}
	if cfg.SQLConfidence == 0 {
		cfg.SQLConfidence = def.SQLConfidence
	}
	if cfg.EmptyResultConfidence == 0 {
		cfg.EmptyResultConfidence = def.EmptyResultConfidence
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}

	a := &Agent{completer: completer, executor: executor, cfg: cfg}
	if len(cfg.AllowedTables) > 0 {
		allowed := make(map[string]bool, len(cfg.AllowedTables))
		for _, t := range cfg.AllowedTables {
			allowed[strings.ToLower(strings.TrimSpace(t))] = true
		}
		a.allow = func(table string) bool { return allowed[strings.ToLower(table)] }
	}
	return a
}

// run is the mutable state of one question.
type run struct {
	req        Request
	res        *Result
	query      *GeneratedQuery
	prev       *feedback
	rows       *sqlexec.ResultSet
	execErr    error
	retried    bool // the current statement has had its one execution retry
	retryShort bool
}

// Run drives the state machine for one question. Validation and execution
// failures are recovered within the attempt budget; once it is spent the
// result is a Failed apology and the error is nil. The only errors returned
// are context errors and a missing catalog.
func (a *Agent) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Catalog == nil {
		return nil, errors.New("sqlagent: no catalog")
	}
	start := time.Now()
	r := &run{req: req, res: &Result{}}
	state := Drafting

	for {
		switch state {
		case Drafting:
			if r.res.Attempts >= a.cfg.MaxAttempts {
				state = Failed
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var err error
			state, err = a.draft(ctx, r)
			if err != nil {
				return nil, err
			}

		case Validating:
			state = a.validate(r)

		case Executing:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var err error
			state, err = a.execute(ctx, r)
			if err != nil {
				return nil, err
			}

		case Recovering:
			state = a.recover(r)

		case Succeeded:
			a.succeed(r)
			slog.Info("sqlagent: succeeded",
				"attempts", r.res.Attempts, "rows", r.res.RowCount,
				"elapsed", time.Since(start).Round(time.Millisecond))
			return r.res, nil

		case Failed:
			r.res.State = Failed
			r.res.Text = failedText
			r.res.Confidence = 0
			r.res.Query = r.query
			r.step(Failed, "", fmt.Sprintf("attempt budget of %d exhausted", a.cfg.MaxAttempts))
			slog.Warn("sqlagent: failed",
				"attempts", r.res.Attempts, "elapsed", time.Since(start).Round(time.Millisecond))
			return r.res, nil
		}
	}
}

func (r *run) step(s State, sql, detail string) {
	r.res.Steps = append(r.res.Steps, Step{State: s, Attempt: r.res.Attempts, SQL: sql, Detail: detail})
}

func (a *Agent) draft(ctx context.Context, r *run) (State, error) {
	r.res.Attempts++
	attempt := r.res.Attempts
	r.retried = false
	r.execErr = nil

	ctx, span := tracer.Start(ctx, "sqlagent.attempt")
	defer span.End()
	span.SetAttributes(attribute.Int("sqlagent.attempt", attempt))

	prompt := buildDraftPrompt(r.req.Catalog, a.allow, a.executor.Dialect(), r.req.Question, a.cfg.RowLimit, r.prev)
	reply, err := a.completer.Complete(ctx, prompt, llm.Constraints{
		System:      systemPrompt,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Drafting, ctx.Err()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		slog.Warn("sqlagent: drafting failed", "attempt", attempt, "error", err)
		r.step(Drafting, "", "generation failed: "+err.Error())
		r.query = nil
		return Recovering, nil
	}

	sql := cleanSQL(reply)
	r.query = &GeneratedQuery{SQL: sql, Question: r.req.Question, Category: r.req.Category, Attempt: attempt}
	span.SetAttributes(attribute.String("sqlagent.sql", sql))
	r.step(Drafting, sql, "")
	return Validating, nil
}

func (a *Agent) validate(r *run) State {
	q := r.query
	q.Verdict = Validate(q.SQL, r.req.Catalog, a.allow)
	if !q.Verdict.Valid {
		verr := &ValidationError{SQL: q.SQL, Issues: q.Verdict.Issues}
		slog.Debug("sqlagent: rejected generated query", "attempt", q.Attempt, "error", verr)
		r.step(Validating, q.SQL, verr.Error())
		return Recovering
	}
	r.step(Validating, q.SQL, "valid")
	return Executing
}

// execute waits for a statement slot with ctx. Once started the statement
// is not cut off by ctx; if ctx ends first the result is discarded.
func (a *Agent) execute(ctx context.Context, r *run) (State, error) {
	timeout := a.cfg.StatementTimeout
	if r.retryShort {
		timeout /= 2
		r.retryShort = false
	}
	sql := r.query.SQL

	type outcome struct {
		rows *sqlexec.ResultSet
		err  error
	}
	done := make(chan outcome, 1)
	r.res.Executions++
	start := time.Now()
	go func() {
		rows, err := a.executor.Execute(ctx, sql, a.cfg.RowLimit, timeout)
		done <- outcome{rows, err}
	}()

	var out outcome
	select {
	case <-ctx.Done():
		slog.Debug("sqlagent: discarding execution after deadline", "sql", sql)
		return Executing, ctx.Err()
	case out = <-done:
	}
	if out.err != nil && ctx.Err() != nil {
		return Executing, ctx.Err()
	}

	if out.err != nil {
		r.execErr = out.err
		slog.Warn("sqlagent: execution failed",
			"attempt", r.res.Attempts, "error", out.err,
			"elapsed", time.Since(start).Round(time.Millisecond))
		r.step(Executing, sql, out.err.Error())
		return Recovering, nil
	}
	r.rows = out.rows
	r.step(Executing, sql, fmt.Sprintf("%d rows", len(out.rows.Rows)))
	return Succeeded, nil
}

func (a *Agent) recover(r *run) State {
	// Transient execution failure: run the same statement once more with a
	// shorter timeout before spending a draft.
	var qe *sqlexec.QueryError
	if r.execErr != nil && errors.As(r.execErr, &qe) && qe.Kind.Retryable() && !r.retried {
		r.retried = true
		r.retryShort = true
		r.step(Recovering, r.query.SQL, "retrying "+qe.Kind.String())
		return Executing
	}

	switch {
	case r.query == nil:
		// Generation failed; keep the previous feedback, if any.
	case r.execErr != nil:
		r.prev = &feedback{SQL: r.query.SQL, Reason: "the query failed to execute: " + errorDetail(r.execErr)}
	default:
		r.prev = &feedback{SQL: r.query.SQL, Reason: r.query.Verdict.Summary()}
	}
	if r.prev != nil {
		r.step(Recovering, r.prev.SQL, r.prev.Reason)
	}
	return Drafting
}

func errorDetail(err error) string {
	var qe *sqlexec.QueryError
	if errors.As(err, &qe) && qe.Err != nil {
		return qe.Err.Error()
	}
	return err.Error()
}

func (a *Agent) succeed(r *run) {
	res := r.res
	res.State = Succeeded
	res.Query = r.query
	res.Rows = r.rows
	res.RowCount = len(r.rows.Rows)
	res.Truncated = r.rows.Truncated
	res.Text = formatResult(r.rows, r.query.Verdict.CurrencyColumns)
	res.Confidence = a.cfg.SQLConfidence
	if res.RowCount == 0 {
		res.Confidence = a.cfg.EmptyResultConfidence
	}
	r.step(Succeeded, r.query.SQL, "")
}
