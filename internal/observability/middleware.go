package observability

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware wraps an http.Handler with OpenTelemetry tracing. It
// skips the gateway's own administrative endpoints (health checks and
// metrics scrapes hit these constantly and carry no function identity
// worth tracing) and tags every span with the URL scheme that
// routeScheme infers from the path's segment count. The tag reflects the
// path's shape only: a path with three or more segments that the gateway
// ends up resolving under the single-tenant scheme is still tagged
// multi-tenant.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() || isAdminEndpoint(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Extract trace context from incoming request headers
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		// Start a new span for this request
		ctx, span := Tracer().Start(ctx, "hhrf.dispatch",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPMethod(r.Method),
				semconv.HTTPTarget(r.URL.Path),
				semconv.HTTPScheme(r.URL.Scheme),
				attribute.String("http.host", r.Host),
				attribute.String("hhrf.route_scheme", routeScheme(r.URL.Path)),
			),
		)
		defer span.End()

		// Wrap response writer to capture status code
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// Serve request with traced context
		next.ServeHTTP(rw, r.WithContext(ctx))

		// Record response attributes
		span.SetAttributes(
			semconv.HTTPStatusCode(rw.statusCode),
			attribute.Int64("http.response_size", rw.bytesWritten),
		)

		if rw.statusCode >= 400 {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}

// isAdminEndpoint reports whether path is one of the gateway's own
// administrative routes rather than a function dispatch.
func isAdminEndpoint(path string) bool {
	switch path {
	case "/_health", "/_metrics", "/_metrics/prom":
		return true
	default:
		return false
	}
}

// routeScheme reports which /rpc/ URL scheme path uses: multi-tenant
// (/rpc/{org}/{func}/{version}/...) has at least three segments after
// the prefix, single-tenant (/rpc/{id}/...) has fewer, and anything
// outside /rpc/ entirely is neither.
func routeScheme(path string) string {
	trimmed := strings.TrimPrefix(path, "/rpc/")
	if trimmed == path {
		return "none"
	}
	if len(strings.Split(trimmed, "/")) >= 3 {
		return "multi-tenant"
	}
	return "single-tenant"
}

// responseWriter wraps http.ResponseWriter to capture status code and bytes written
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// TracingHandler wraps a specific handler function with tracing
func TracingHandler(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !Enabled() {
			handler(w, r)
			return
		}

		ctx, span := StartServerSpan(r.Context(), name,
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		handler(w, r.WithContext(ctx))
	}
}
