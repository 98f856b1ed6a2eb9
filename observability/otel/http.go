package otel

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "d2dtreasury"

// Tracer returns a named tracer from the global provider.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(instrumentationName + "/" + component)
}

// Handler wraps h so every request opens a server span named after operation.
func Handler(h http.Handler, operation string) http.Handler {
	return otelhttp.NewHandler(h, operation)
}

// Transport instruments outbound requests and propagates trace context. A nil
// base uses http.DefaultTransport.
func Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base)
}
