package worker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/cuongbtq/media-jobs/internal/worker"

// Job events counted by the pool
const (
	EventClaimed   = "claimed"
	EventReclaimed = "reclaimed"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventRetried   = "retried"
	EventReleased  = "released"
	EventDropped   = "dropped"
)

// Metrics holds the pool's instruments:
//   - mediajobs.worker.jobs (Int64Counter), attribute event
//   - mediajobs.worker.engine.duration (Float64Histogram, seconds), attribute outcome
//   - mediajobs.worker.active_slots (Int64ObservableGauge)
type Metrics struct {
	jobs     metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64ObservableGauge
}

// NewMetrics registers the instruments on meter. active is sampled on every collection.
func NewMetrics(meter metric.Meter, active func() int64) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	jobs, err := meter.Int64Counter(
		"mediajobs.worker.jobs",
		metric.WithDescription("Job lifecycle events observed by the worker pool"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"mediajobs.worker.engine.duration",
		metric.WithDescription("Duration of engine calls in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine duration histogram: %w", err)
	}

	gauge, err := meter.Int64ObservableGauge(
		"mediajobs.worker.active_slots",
		metric.WithDescription("Slots currently processing a task"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(active())
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active slots gauge: %w", err)
	}

	return &Metrics{
		jobs:     jobs,
		duration: duration,
		active:   gauge,
	}, nil
}

func (m *Metrics) event(ctx context.Context, event string) {
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

func (m *Metrics) engineDuration(ctx context.Context, d time.Duration, outcome string) {
	m.duration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}
