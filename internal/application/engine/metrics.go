package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cloudrpa/fleet/internal/application/dispatch"
	"github.com/cloudrpa/fleet/internal/application/queue"
	"github.com/cloudrpa/fleet/internal/domain"
)

const meterName = "github.com/cloudrpa/fleet/internal/application/engine"

// metrics holds the engine's instruments. Counters are recorded at the
// state transitions the engine itself drives; queue depth and fleet size
// are observed on collection.
type metrics struct {
	jobsSubmitted  metric.Int64Counter
	jobsDispatched metric.Int64Counter
	jobsSettled    metric.Int64Counter
	jobsRequeued   metric.Int64Counter
}

func newMetrics(q *queue.Queue, d *dispatch.Dispatcher) (*metrics, error) {
	meter := otel.Meter(meterName)

	m := &metrics{}
	var err error

	if m.jobsSubmitted, err = meter.Int64Counter("fleet.jobs.submitted",
		metric.WithDescription("Jobs accepted into the queue.")); err != nil {
		return nil, fmt.Errorf("failed to create submitted counter: %w", err)
	}
	if m.jobsDispatched, err = meter.Int64Counter("fleet.jobs.dispatched",
		metric.WithDescription("Jobs claimed for a robot by the dispatch loop.")); err != nil {
		return nil, fmt.Errorf("failed to create dispatched counter: %w", err)
	}
	if m.jobsSettled, err = meter.Int64Counter("fleet.jobs.settled",
		metric.WithDescription("Jobs finished, by outcome.")); err != nil {
		return nil, fmt.Errorf("failed to create settled counter: %w", err)
	}
	if m.jobsRequeued, err = meter.Int64Counter("fleet.jobs.requeued",
		metric.WithDescription("Jobs returned to the queue after a lost lease or rejection.")); err != nil {
		return nil, fmt.Errorf("failed to create requeued counter: %w", err)
	}

	queueReady, err := meter.Int64ObservableGauge("fleet.queue.ready",
		metric.WithDescription("Jobs waiting for dispatch."))
	if err != nil {
		return nil, fmt.Errorf("failed to create queue gauge: %w", err)
	}
	robotsOnline, err := meter.Int64ObservableGauge("fleet.robots.available",
		metric.WithDescription("Robots online or busy."))
	if err != nil {
		return nil, fmt.Errorf("failed to create robots gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		qs := q.Stats()
		o.ObserveInt64(queueReady, int64(qs.Ready))

		ds := d.Stats()
		o.ObserveInt64(robotsOnline, int64(
			ds.ByStatus[domain.RobotStatusOnline]+ds.ByStatus[domain.RobotStatusBusy]))
		return nil
	}, queueReady, robotsOnline)
	if err != nil {
		return nil, fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return m, nil
}

func (m *metrics) recordSubmitted(ctx context.Context, priority domain.JobPriority) {
	m.jobsSubmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("priority", string(priority))))
}

func (m *metrics) recordDispatched(ctx context.Context) {
	m.jobsDispatched.Add(ctx, 1)
}

func (m *metrics) recordSettled(ctx context.Context, outcome domain.JobOutcome) {
	m.jobsSettled.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *metrics) recordRequeued(ctx context.Context, reason string) {
	m.jobsRequeued.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}
