package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/brunobiangulo/nlquery"
	"github.com/brunobiangulo/nlquery/router"
)

// PassThreshold is the minimum accuracy score of a passing test.
const PassThreshold = 0.6

// Router answers questions. nlquery.Engine satisfies it.
type Router interface {
	Route(ctx context.Context, question string, opts ...nlquery.RouteOption) (*nlquery.Answer, error)
}

// Evaluator runs evaluation datasets against a router.
type Evaluator struct {
	engine  Router
	timeout time.Duration
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine Router) *Evaluator {
	return &Evaluator{engine: engine}
}

// SetTimeout bounds each question. Zero leaves only the run's context.
func (e *Evaluator) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	Strategy        string                      `json:"strategy"` // "auto" or the forced strategy
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
}

// AggregateMetrics holds averaged metrics across tests.
type AggregateMetrics struct {
	Tests           int     `json:"tests"`
	AvgAccuracy     float64 `json:"avg_accuracy"`
	AvgQuality      float64 `json:"avg_quality"`
	AvgFactRecall   float64 `json:"avg_fact_recall"`
	AvgConfidence   float64 `json:"avg_confidence"`
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	SuccessRate     float64 `json:"success_rate"`
	FallbackRate    float64 `json:"fallback_rate"`
	RoutingAccuracy float64 `json:"routing_accuracy"`
	// RoutingChecked counts tests that declared an expected strategy.
	RoutingChecked int `json:"routing_checked"`
}

// TestResult holds the result of a single test case.
type TestResult struct {
	Question         string   `json:"question"`
	Category         string   `json:"category,omitempty"`
	ExpectedStrategy string   `json:"expected_strategy,omitempty"`
	Answer           string   `json:"answer"`
	Strategy         string   `json:"strategy,omitempty"`
	Route            string   `json:"route,omitempty"`
	SQL              string   `json:"sql,omitempty"`
	DocumentIDs      []string `json:"document_ids,omitempty"`
	Confidence       float64  `json:"confidence"`
	Accuracy         float64  `json:"accuracy"`
	Quality          float64  `json:"quality"`
	FactRecall       float64  `json:"fact_recall"`
	RoutingChecked   bool     `json:"routing_checked"`
	RoutingCorrect   bool     `json:"routing_correct"`
	Fallback         bool     `json:"fallback"`
	Passed           bool     `json:"passed"`
	Error            string   `json:"error,omitempty"`
	ElapsedMs        int64    `json:"elapsed_ms"`
}

// succeeded reports whether the engine produced a real answer.
func (r TestResult) succeeded() bool {
	return r.Error == "" && r.Confidence > 0
}

// Run executes a dataset. Route options apply to every question; pass
// nlquery.WithStrategy to benchmark a single strategy. Run stops early only
// when ctx ends, returning the partial report with the context error.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset, opts ...nlquery.RouteOption) (*Report, error) {
	return e.run(ctx, dataset, "auto", opts...)
}

func (e *Evaluator) run(ctx context.Context, dataset Dataset, strategy string, opts ...nlquery.RouteOption) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:    dataset.Name,
		Strategy:   strategy,
		TotalTests: len(dataset.Tests),
	}
	if e.timeout > 0 {
		opts = append(slices.Clone(opts), nlquery.WithDeadline(e.timeout))
	}
	// Routing is only checked when the router chose the strategy.
	checkRouting := strategy == "auto"

	for i, test := range dataset.Tests {
		if err := ctx.Err(); err != nil {
			report.Metrics = aggregate(report.Results)
			report.CategoryMetrics = byCategory(report.Results)
			report.RunTime = time.Since(start)
			return report, err
		}

		result := e.runTest(ctx, test, checkRouting, opts...)
		report.Results = append(report.Results, result)
		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}

		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		if result.Error != "" {
			status = "ERROR"
		}
		slog.Info("eval: test complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Tests)),
			"status", status,
			"strategy", result.Strategy,
			"confidence", fmt.Sprintf("%.2f", result.Confidence),
			"accuracy", fmt.Sprintf("%.2f", result.Accuracy),
			"elapsed_ms", result.ElapsedMs,
			"question", truncate(test.Question, 80))
	}

	report.Metrics = aggregate(report.Results)
	report.CategoryMetrics = byCategory(report.Results)
	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runTest(ctx context.Context, test TestCase, checkRouting bool, opts ...nlquery.RouteOption) TestResult {
	testStart := time.Now()
	result := TestResult{
		Question:         test.Question,
		Category:         test.Category,
		ExpectedStrategy: test.ExpectedStrategy,
	}

	answer, err := e.engine.Route(ctx, test.Question, opts...)
	result.ElapsedMs = time.Since(testStart).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Answer = answer.Text
	result.Strategy = answer.Strategy.String()
	result.Route = answer.Provenance.Route.String()
	result.SQL = answer.Provenance.SQL
	result.DocumentIDs = answer.Provenance.DocumentIDs
	result.Confidence = answer.Confidence
	result.Fallback = answer.Provenance.Fallback
	result.Accuracy = computeAccuracy(test.Question, answer.Text)
	result.Quality = computeQuality(answer.Text)
	result.FactRecall = computeFactRecall(answer.Text, test.ExpectedFacts)

	if checkRouting && test.ExpectedStrategy != "" {
		result.RoutingChecked = true
		if want, err := router.ParseStrategy(test.ExpectedStrategy); err == nil {
			result.RoutingCorrect = want == answer.Provenance.Route
		}
	}

	result.Passed = result.succeeded() &&
		result.Accuracy >= PassThreshold &&
		(len(test.ExpectedFacts) == 0 || result.FactRecall >= 0.5) &&
		(!result.RoutingChecked || result.RoutingCorrect)
	return result
}

func aggregate(results []TestResult) AggregateMetrics {
	var m AggregateMetrics
	m.Tests = len(results)
	if m.Tests == 0 {
		return m
	}

	var succeeded, fallbacks, correct, answered int
	for _, r := range results {
		m.AvgLatencyMs += float64(r.ElapsedMs)
		if r.succeeded() {
			succeeded++
		}
		if r.Fallback {
			fallbacks++
		}
		if r.RoutingChecked {
			m.RoutingChecked++
			if r.RoutingCorrect {
				correct++
			}
		}
		// Errored tests carry no answer to score.
		if r.Error != "" {
			continue
		}
		answered++
		m.AvgAccuracy += r.Accuracy
		m.AvgQuality += r.Quality
		m.AvgFactRecall += r.FactRecall
		m.AvgConfidence += r.Confidence
	}

	n := float64(m.Tests)
	m.AvgLatencyMs /= n
	m.SuccessRate = float64(succeeded) / n
	m.FallbackRate = float64(fallbacks) / n
	if m.RoutingChecked > 0 {
		m.RoutingAccuracy = float64(correct) / float64(m.RoutingChecked)
	}

	if answered > 0 {
		a := float64(answered)
		m.AvgAccuracy /= a
		m.AvgQuality /= a
		m.AvgFactRecall /= a
		m.AvgConfidence /= a
	}
	return m
}

func byCategory(results []TestResult) map[string]AggregateMetrics {
	groups := make(map[string][]TestResult)
	for _, r := range results {
		if r.Category != "" {
			groups[r.Category] = append(groups[r.Category], r)
		}
	}
	out := make(map[string]AggregateMetrics, len(groups))
	for cat, rs := range groups {
		out[cat] = aggregate(rs)
	}
	return out
}

// Comparison holds one report per forced strategy and the per-metric
// winners.
type Comparison struct {
	Reports         map[string]*Report `json:"reports"`
	Winners         map[string]string  `json:"winners"`
	Overall         string             `json:"overall"`
	Recommendations []string           `json:"recommendations"`
}

// Compare runs the dataset once per strategy, forcing it on every question.
// With no strategies it compares SQL against retrieval.
func (e *Evaluator) Compare(ctx context.Context, dataset Dataset, strategies ...router.Strategy) (*Comparison, error) {
	if len(strategies) == 0 {
		strategies = []router.Strategy{router.SQL, router.Retrieval}
	}
	c := &Comparison{Reports: make(map[string]*Report), Winners: make(map[string]string)}
	for _, s := range strategies {
		r, err := e.run(ctx, dataset, s.String(), nlquery.WithStrategy(s))
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", s, err)
		}
		c.Reports[s.String()] = r
	}

	names := make([]string, 0, len(c.Reports))
	for name := range c.Reports {
		names = append(names, name)
	}
	sort.Strings(names)

	best := func(metric string, value func(AggregateMetrics) float64, lowerWins bool) {
		winner, bestV := "", 0.0
		for _, name := range names {
			v := value(c.Reports[name].Metrics)
			if winner == "" || (lowerWins && v < bestV) || (!lowerWins && v > bestV) {
				winner, bestV = name, v
			}
		}
		c.Winners[metric] = winner
	}
	best("latency", func(m AggregateMetrics) float64 { return m.AvgLatencyMs }, true)
	best("success_rate", func(m AggregateMetrics) float64 { return m.SuccessRate }, false)
	best("accuracy", func(m AggregateMetrics) float64 { return m.AvgAccuracy }, false)
	best("quality", func(m AggregateMetrics) float64 { return m.AvgQuality }, false)

	c.Overall = overallWinner(c.Reports, names)
	c.Recommendations = recommend(c, names)
	return c, nil
}

// overallWinner weighs speed, success and accuracy. Equal scores tie.
func overallWinner(reports map[string]*Report, names []string) string {
	winner, bestScore, tie := "", -1.0, false
	for _, name := range names {
		m := reports[name].Metrics
		score := 0.25/(m.AvgLatencyMs/1000+0.1) + 0.35*m.SuccessRate + 0.40*m.AvgAccuracy
		switch {
		case score > bestScore:
			winner, bestScore, tie = name, score, false
		case score == bestScore:
			tie = true
		}
	}
	if tie {
		return "tie"
	}
	return winner
}

func recommend(c *Comparison, names []string) []string {
	var out []string
	if w := c.Winners["latency"]; w != "" {
		out = append(out, fmt.Sprintf("%s answers fastest on this dataset", w))
	}
	if w := c.Winners["accuracy"]; w != "" {
		out = append(out, fmt.Sprintf("%s gives the most accurate answers", w))
	}
	// Name a strategy for a category only when it leads by a clear margin.
	for _, cat := range Categories {
		leader, first, second := "", -1.0, -1.0
		for _, name := range names {
			m, ok := c.Reports[name].CategoryMetrics[cat]
			if !ok {
				continue
			}
			switch {
			case m.AvgAccuracy > first:
				leader, first, second = name, m.AvgAccuracy, first
			case m.AvgAccuracy > second:
				second = m.AvgAccuracy
			}
		}
		if leader != "" && second >= 0 && first-second > 0.1 {
			out = append(out, fmt.Sprintf("prefer %s for %s questions", leader, strings.ReplaceAll(cat, "_", " ")))
		}
	}
	return out
}

// FormatReport produces a human-readable report string.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s (strategy: %s) ===\n", r.Dataset, r.Strategy)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	writeMetrics(&b, "  ", r.Metrics)
	fmt.Fprintln(&b)

	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] n=%d Acc=%.2f Qual=%.2f Facts=%.2f Conf=%.2f Route=%.2f Succ=%.2f %.0fms\n",
				cat, m.Tests, m.AvgAccuracy, m.AvgQuality, m.AvgFactRecall, m.AvgConfidence,
				m.RoutingAccuracy, m.SuccessRate, m.AvgLatencyMs)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. %s\n", status, i+1, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		route := ""
		if res.RoutingChecked && !res.RoutingCorrect {
			route = fmt.Sprintf(" (expected %s)", res.ExpectedStrategy)
		}
		fmt.Fprintf(&b, "  %s via %s%s Acc=%.2f Qual=%.2f Conf=%.2f  (%dms)\n",
			res.Strategy, res.Route, route, res.Accuracy, res.Quality, res.Confidence, res.ElapsedMs)
	}
	return b.String()
}

// FormatComparison summarises a comparison run.
func FormatComparison(c *Comparison) string {
	var b strings.Builder
	names := make([]string, 0, len(c.Reports))
	for name := range c.Reports {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(&b, "=== Strategy Comparison ===\n")
	for _, name := range names {
		fmt.Fprintf(&b, "[%s]\n", name)
		writeMetrics(&b, "  ", c.Reports[name].Metrics)
	}
	fmt.Fprintf(&b, "\nWinners:\n")
	metrics := make([]string, 0, len(c.Winners))
	for m := range c.Winners {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		fmt.Fprintf(&b, "  %-14s %s\n", m+":", c.Winners[m])
	}
	fmt.Fprintf(&b, "  %-14s %s\n", "overall:", c.Overall)
	if len(c.Recommendations) > 0 {
		fmt.Fprintf(&b, "\nRecommendations:\n")
		for _, r := range c.Recommendations {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}
	return b.String()
}

func writeMetrics(b *strings.Builder, indent string, m AggregateMetrics) {
	fmt.Fprintf(b, "%sAccuracy:         %.2f\n", indent, m.AvgAccuracy)
	fmt.Fprintf(b, "%sQuality:          %.2f\n", indent, m.AvgQuality)
	fmt.Fprintf(b, "%sFact recall:      %.2f\n", indent, m.AvgFactRecall)
	fmt.Fprintf(b, "%sConfidence:       %.2f\n", indent, m.AvgConfidence)
	fmt.Fprintf(b, "%sSuccess rate:     %.1f%%\n", indent, m.SuccessRate*100)
	fmt.Fprintf(b, "%sFallback rate:    %.1f%%\n", indent, m.FallbackRate*100)
	if m.RoutingChecked > 0 {
		fmt.Fprintf(b, "%sRouting accuracy: %.1f%% (%d checked)\n", indent, m.RoutingAccuracy*100, m.RoutingChecked)
	}
	fmt.Fprintf(b, "%sAvg latency:      %.0fms\n", indent, m.AvgLatencyMs)
}

// IsInterrupted reports whether err came from the run's context ending.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
