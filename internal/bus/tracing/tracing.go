// Package tracing propagates the causal trace identifier across process
// boundaries. The identifier travels in a transport header, never in
// the payload, and must survive the round trip byte-identical.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/ventori/eventbus/internal/bus/metadata"
)

// Header is the transport header carrying the trace identifier.
const Header = "trace-id"

// FromContext returns the trace id of the active span in ctx, or ""
// when the context carries no recorded trace.
func FromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.HasTraceID() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// Inject writes the active trace id from ctx into the outbound headers.
// It is a no-op when the context carries no trace and the headers
// already lack one.
func Inject(ctx context.Context, md metadata.Metadata) {
	if md == nil {
		return
	}
	if id := FromContext(ctx); id != "" {
		md[Header] = id
	}
}

// Extract reads the trace id from inbound headers without mutating them.
func Extract(md metadata.Metadata) string {
	return md.Get(Header)
}
