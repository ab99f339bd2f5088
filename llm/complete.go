package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Constraints bound a single completion.
type Constraints struct {
	MaxTokens   int
	Temperature float64
	// JSON asks the server for a JSON object response.
	JSON bool
	// System is an optional system message placed before the prompt.
	System string
}

// Completer is the generation capability: prompt in, text out. Failures are
// reported as *ModelError, except cancellation of the caller's own context,
// which is returned unchanged.
type Completer interface {
	Complete(ctx context.Context, prompt string, c Constraints) (string, error)
}

// Embedder is the embedding capability.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ModelErrorKind classifies generation failures.
type ModelErrorKind int

const (
	// ModelTimeout covers deadlines, network failures and 5xx outages.
	ModelTimeout ModelErrorKind = iota
	// ModelQuota covers rate limits and exhausted credit.
	ModelQuota
	// ModelRefused covers rejected requests and filtered or empty output.
	ModelRefused
)

func (k ModelErrorKind) String() string {
	switch k {
	case ModelTimeout:
		return "timeout"
	case ModelQuota:
		return "quota"
	case ModelRefused:
		return "refused"
	}
	return "unknown"
}

// ModelError is a failed call to the generation or embedding capability.
type ModelError struct {
	Kind ModelErrorKind
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("llm: model %s: %v", e.Kind, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// Classify maps a provider error onto a ModelError kind.
func Classify(err error) *ModelError {
	var me *ModelError
	if errors.As(err, &me) {
		return me
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusPaymentRequired:
			return &ModelError{Kind: ModelQuota, Err: err}
		case apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return &ModelError{Kind: ModelTimeout, Err: err}
		default:
			return &ModelError{Kind: ModelRefused, Err: err}
		}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ModelError{Kind: ModelTimeout, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &ModelError{Kind: ModelTimeout, Err: err}
	}
	return &ModelError{Kind: ModelRefused, Err: err}
}

// completer adapts a Provider to Completer with a per-call timeout.
type completer struct {
	p       Provider
	model   string
	timeout time.Duration
}

// NewCompleter wraps a provider. A zero timeout leaves only the caller's
// deadline in force.
func NewCompleter(p Provider, model string, timeout time.Duration) Completer {
	return &completer{p: p, model: model, timeout: timeout}
}

func (c *completer) Complete(ctx context.Context, prompt string, cons Constraints) (string, error) {
	callCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	var msgs []Message
	if cons.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: cons.System})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	req := ChatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: cons.Temperature,
		MaxTokens:   cons.MaxTokens,
	}
	if cons.JSON {
		req.ResponseFormat = "json_object"
	}

	resp, err := c.p.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Classify(err)
	}
	if resp.FinishReason == "content_filter" {
		return "", &ModelError{Kind: ModelRefused, Err: errors.New("response blocked by content filter")}
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", &ModelError{Kind: ModelRefused, Err: errors.New("empty completion")}
	}
	return text, nil
}

// embedder adapts a Provider to Embedder with the same timeout and error
// classification as completer.
type embedder struct {
	p       Provider
	timeout time.Duration
}

// NewEmbedder wraps a provider's embedding endpoint.
func NewEmbedder(p Provider, timeout time.Duration) Embedder {
	return &embedder{p: p, timeout: timeout}
}

func (e *embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	callCtx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	vecs, err := e.p.Embed(callCtx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, Classify(err)
	}
	return vecs, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
