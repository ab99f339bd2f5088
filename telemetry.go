package nlquery

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentation = "github.com/brunobiangulo/nlquery"

var (
	tracer = otel.Tracer(instrumentation)
	meter  = otel.Meter(instrumentation)

	routeCounter    = counter("nlquery.routes", "Questions routed, by strategy and outcome.")
	fallbackCounter = counter("nlquery.fallbacks", "Questions answered by a fallback strategy.")
)

// counter creates an Int64Counter, falling back to a noop instrument when
// the meter provider rejects it.
func counter(name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func recordRoute(ctx context.Context, a *Answer) {
	routeCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", a.Strategy.String()),
		attribute.String("category", string(a.Category)),
		attribute.Bool("answered", a.Confidence > 0),
	))
	if a.Provenance.Fallback {
		fallbackCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("route", a.Provenance.Route.String()),
			attribute.String("strategy", a.Strategy.String()),
		))
	}
}
