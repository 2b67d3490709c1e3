// Package otel provides OpenTelemetry span helpers shared by the CMS client,
// the stores and the sync engine.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for content context, shared so traces use consistent names.
const (
	AttrEntryID      = attribute.Key("content.entry_id")
	AttrContentType  = attribute.Key("content.type")
	AttrRevision     = attribute.Key("content.revision")
	AttrEventAction  = attribute.Key("content.event_action")
	AttrSyncMode     = attribute.Key("sync.mode")
	AttrSyncPages    = attribute.Key("sync.pages")
	AttrResultCount  = attribute.Key("result.count")
	AttrPageSize     = attribute.Key("pagination.limit")
	AttrStoreBackend = attribute.Key("store.backend")
)

// StartSpan starts a new span if the tracer is non-nil, otherwise returns the
// span already carried by ctx (a no-op when there is none).
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

// RecordError records err on span and marks it failed. Nil spans and nil
// errors are ignored. The status description stays generic so DSNs and
// tokens never end up in span status; the event carries the detail.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}
