package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"riskgate/pkg/structlog"
)

// WrapHTTPHandler instruments a handler with server-side spans.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, serviceName)
}

// WrapHTTPTransport propagates trace context on outbound requests.
func WrapHTTPTransport(t http.RoundTripper) http.RoundTripper {
	return otelhttp.NewTransport(t)
}

// AccessLogMiddleware emits one structured access line per request with
// trace correlation headers when a span is active.
func AccessLogMiddleware(logger *structlog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		fields := structlog.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			sr.Header().Set("Trace-Id", sc.TraceID().String())
			sr.Header().Set("Span-Id", sc.SpanID().String())
			fields["trace_id"] = sc.TraceID().String()
		}

		next.ServeHTTP(sr, r)

		fields["status"] = sr.status
		fields["duration_ms"] = time.Since(start).Milliseconds()
		logger.Info("request handled", fields)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}
