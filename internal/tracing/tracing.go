// Package tracing carries W3C trace context between HTTP requests, outbox
// rows and Kafka headers.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const TraceparentHeader = "traceparent"

const instrumentation = "github.com/Simplici0/printflow"

// Init installs the W3C trace-context propagator globally.
func Init() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Tracer returns the tracer used by pipeline components.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentation)
}

// Traceparent returns the traceparent of the span in ctx, or "" if ctx
// carries no valid span context.
func Traceparent(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.Get(TraceparentHeader)
}

// FromTraceparent returns ctx with the remote span context described by tp.
func FromTraceparent(ctx context.Context, tp string) context.Context {
	if tp == "" {
		return ctx
	}
	carrier := propagation.MapCarrier{TraceparentHeader: tp}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// Middleware extracts incoming trace headers into the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
