package syncer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cadelake/outpost/internal/domain/outboxstore"
	"github.com/cadelake/outpost/internal/telemetry"
)

type engineMetrics struct {
	cycles   metric.Int64Counter
	items    metric.Int64Counter
	batches  metric.Int64Counter
	duration metric.Float64Histogram
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("syncer.engine")
	m := &engineMetrics{}
	if counter, err := meter.Int64Counter("outpost_sync_cycles_total",
		metric.WithDescription("Completed sync cycles"),
		metric.WithUnit("{cycle}")); err == nil {
		m.cycles = counter
	}
	if counter, err := meter.Int64Counter("outpost_sync_items_total",
		metric.WithDescription("Reconciled outbox items by outcome"),
		metric.WithUnit("{item}")); err == nil {
		m.items = counter
	}
	if counter, err := meter.Int64Counter("outpost_sync_batches_total",
		metric.WithDescription("Dispatched batches by result"),
		metric.WithUnit("{batch}")); err == nil {
		m.batches = counter
	}
	if histogram, err := meter.Float64Histogram("outpost_sync_cycle_duration_ms",
		metric.WithDescription("Sync cycle duration"),
		metric.WithUnit("ms")); err == nil {
		m.duration = histogram
	}
	return m
}

func (m *engineMetrics) recordCycle(ctx context.Context, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	attrs := telemetry.BatchAttributes(telemetry.Environment(), result)
	if m.cycles != nil {
		m.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("environment", telemetry.Environment())))
	}
}

func (m *engineMetrics) recordItem(ctx context.Context, operation, outcome string) {
	if m == nil || m.items == nil {
		return
	}
	m.items.Add(ctx, 1, metric.WithAttributes(telemetry.ItemAttributes(telemetry.Environment(), operation, outcome)...))
}

func (m *engineMetrics) recordBatch(ctx context.Context, applied bool) {
	if m == nil || m.batches == nil {
		return
	}
	result := telemetry.BatchResultApplied
	if !applied {
		result = telemetry.BatchResultFailed
	}
	m.batches.Add(ctx, 1, metric.WithAttributes(telemetry.BatchAttributes(telemetry.Environment(), result)...))
}

// ObserveQueueDepth registers observable gauges that report live and dead
// outbox entry counts.
func ObserveQueueDepth(store outboxstore.Store) {
	if store == nil {
		return
	}
	meter := otel.Meter("syncer.outbox")
	_, _ = meter.Int64ObservableGauge("outpost_outbox_entries",
		metric.WithDescription("Outbox entries by queue state"),
		metric.WithUnit("{entry}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			stats, err := store.Stats(ctx)
			if err != nil {
				return nil
			}
			observer.Observe(int64(stats.Pending),
				metric.WithAttributes(telemetry.QueueAttributes(telemetry.Environment(), telemetry.QueueStatePending)...))
			observer.Observe(int64(stats.Dead),
				metric.WithAttributes(telemetry.QueueAttributes(telemetry.Environment(), telemetry.QueueStateDead)...))
			return nil
		}),
	)
}
