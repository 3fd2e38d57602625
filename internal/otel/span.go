// Package otel provides tracing helpers shared by the bundle server packages.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys used on sync, cache and fetch spans.
const (
	AttrSubject     = attribute.Key("bundle.subject")
	AttrUnitID      = attribute.Key("bundle.unit_id")
	AttrRunID       = attribute.Key("sync.run_id")
	AttrForce       = attribute.Key("sync.force")
	AttrSyncStatus  = attribute.Key("sync.status")
	AttrStaleCount  = attribute.Key("sync.stale_units")
	AttrFailedCount = attribute.Key("sync.failed_units")
	AttrCacheKey    = attribute.Key("cache.key")
	AttrCacheStatus = attribute.Key("cache.status")
	AttrFetcherType = attribute.Key("fetcher.type")
)

// StartSpan starts a span when tracer is non-nil and otherwise returns the
// span already in ctx, which is a no-op span when tracing is disabled.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records err on span and marks the span as failed. The status
// description stays generic; details live in the recorded event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
