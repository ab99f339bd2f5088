package nlquery

import (
	"errors"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/retrieval"
	"github.com/brunobiangulo/nlquery/sqlagent"
	"github.com/brunobiangulo/nlquery/sqlexec"
)

var (
	// ErrDeadlineExceeded is returned when a question's deadline or
	// cancellation cuts routing short. It wraps the context error.
	ErrDeadlineExceeded = errors.New("nlquery: deadline exceeded")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("nlquery: invalid configuration")

	// ErrClosed is returned when operating on a closed engine.
	ErrClosed = errors.New("nlquery: engine is closed")

	// ErrUnknownTable is returned when a name does not resolve in the catalog.
	ErrUnknownTable = catalog.ErrUnknownTable

	// ErrInvalidGeneratedQuery is returned when generated SQL fails
	// validation.
	ErrInvalidGeneratedQuery = sqlagent.ErrInvalidGeneratedQuery

	// ErrNoRelevantContext is returned when no indexed unit is similar
	// enough to the question.
	ErrNoRelevantContext = retrieval.ErrNoRelevantContext

	// ErrGenerationUnavailable is returned when an embedding or generation
	// call fails during retrieval.
	ErrGenerationUnavailable = retrieval.ErrGenerationUnavailable
)

type (
	// QueryError is a classified relational store failure.
	QueryError = sqlexec.QueryError

	// ModelError is a classified generation failure.
	ModelError = llm.ModelError

	// ValidationError lists why a generated statement was rejected.
	ValidationError = sqlagent.ValidationError
)
