package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"opttrack/internal/study"
	"opttrack/internal/study/domain"
)

// NewReporter returns a callback that records each completed trial's objective
// value(s) as a float64 gauge, with the study name, direction, state, and
// objective name as attributes. If provider is nil, a no-op callback is returned.
func NewReporter(provider *sdkmetric.MeterProvider, metricNames []string) (study.Callback, error) {
	if provider == nil {
		return study.CallbackFunc(func(context.Context, *domain.Study, *domain.FrozenTrial) error {
			return nil
		}), nil
	}
	if len(metricNames) == 0 {
		metricNames = []string{"value"}
	}
	meter := provider.Meter("opttrack")
	gauge, err := meter.Float64Gauge("trial.objective.value",
		metric.WithDescription("Objective value of a completed optimization trial"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: create trial gauge: %w", err)
	}
	count, err := meter.Int64Counter("trial.completed",
		metric.WithDescription("Completed trials by terminal state"),
	)
	if err != nil {
		return nil, fmt.Errorf("otel: create trial counter: %w", err)
	}
	return &reporter{gauge: gauge, count: count, metricNames: metricNames}, nil
}

type reporter struct {
	gauge       metric.Float64Gauge
	count       metric.Int64Counter
	metricNames []string
}

func (r *reporter) OnTrialComplete(ctx context.Context, s *domain.Study, trial *domain.FrozenTrial) error {
	base := []attribute.KeyValue{
		attribute.String("study", s.Name),
		attribute.String("direction", s.Direction().String()),
		attribute.String("state", trial.State.String()),
	}
	r.count.Add(ctx, 1, metric.WithAttributes(base...))
	for i, v := range trial.Values {
		name := r.metricNames[len(r.metricNames)-1]
		if i < len(r.metricNames) {
			name = r.metricNames[i]
		}
		attrs := append(base[:len(base):len(base)], attribute.String("objective", name))
		r.gauge.Record(ctx, v, metric.WithAttributes(attrs...))
	}
	return nil
}
