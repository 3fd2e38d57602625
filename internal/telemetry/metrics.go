package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/stacklok/toolhive-bundle-server/sync"

// SyncMetrics holds the instruments recorded by the sync orchestrator.
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	syncDuration metric.Float64Histogram
	unitFetches  metric.Int64Counter
	unitsTotal   metric.Int64Gauge
	signals      metric.Int64Counter
}

// NewSyncMetrics creates the sync instruments. A nil provider yields nil metrics.
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"thv_bundle_sync_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	unitFetches, err := meter.Int64Counter(
		"thv_bundle_unit_fetches_total",
		metric.WithDescription("Number of unit content fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, err
	}

	unitsTotal, err := meter.Int64Gauge(
		"thv_bundle_units_total",
		metric.WithDescription("Number of units in the last merged bundle of a subject"),
		metric.WithUnit("{unit}"),
	)
	if err != nil {
		return nil, err
	}

	signals, err := meter.Int64Counter(
		"thv_bundle_refresh_signals_total",
		metric.WithDescription("Number of refresh signals emitted"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration: syncDuration,
		unitFetches:  unitFetches,
		unitsTotal:   unitsTotal,
		signals:      signals,
	}, nil
}

// RecordSyncDuration records the duration and final status of a sync run
func (m *SyncMetrics) RecordSyncDuration(ctx context.Context, subject string, duration time.Duration, status string) {
	if m == nil || m.syncDuration == nil {
		return
	}
	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("status", status),
	))
}

// RecordUnitFetch counts one settled unit fetch. outcome is "success" or the
// failure kind.
func (m *SyncMetrics) RecordUnitFetch(ctx context.Context, subject, outcome string) {
	if m == nil || m.unitFetches == nil {
		return
	}
	m.unitFetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("outcome", outcome),
	))
}

// RecordUnitsTotal records the number of units in a merged bundle
func (m *SyncMetrics) RecordUnitsTotal(ctx context.Context, subject string, count int64) {
	if m == nil || m.unitsTotal == nil {
		return
	}
	m.unitsTotal.Record(ctx, count, metric.WithAttributes(attribute.String("subject", subject)))
}

// RecordSignal counts one emitted refresh signal
func (m *SyncMetrics) RecordSignal(ctx context.Context, subject string, delivered bool) {
	if m == nil || m.signals == nil {
		return
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.Bool("delivered", delivered),
	))
}
