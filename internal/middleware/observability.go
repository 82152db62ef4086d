package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"deskrelay/internal/httputil"
	"deskrelay/internal/metrics"
	"deskrelay/internal/privacy"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// statusRecorder wraps a ResponseWriter so middleware can observe the status
// code and body size after the handler runs.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(data []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(data)
	sr.written += int64(n)
	return n, err
}

// levelForStatus maps an HTTP status code to the completion log level.
func levelForStatus(status int) logrus.Level {
	switch {
	case status >= 500:
		return logrus.ErrorLevel
	case status >= 400:
		return logrus.WarnLevel
	default:
		return logrus.InfoLevel
	}
}

// maskedLogrusFields runs the privacy filter over a field set and converts the
// result for logrus.
func maskedLogrusFields(values map[string]interface{}) logrus.Fields {
	masked := privacy.MaskSensitiveFields(values)
	fields := make(logrus.Fields, len(masked))
	for k, v := range masked {
		fields[k] = v
	}
	return fields
}

// ObservabilityMiddleware attaches tracing context to every request and
// records request metrics and structured start/completion logs.
func ObservabilityMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.WithOtelTracing(r.Context(), "http_request")
			defer span.End()

			ctx = tracing.WithRequestID(ctx, tracing.GenerateRequestID())
			ctx = tracing.WithStartTime(ctx, time.Now())

			// When OpenTelemetry is disabled the span context is invalid, so
			// fall back to locally generated trace and span IDs.
			if tracing.GetTraceID(ctx) == "" {
				ctx = tracing.WithTraceID(ctx, tracing.GenerateTraceID())
			}
			if tracing.GetSpanID(ctx) == "" {
				ctx = tracing.WithSpanID(ctx, tracing.GenerateSpanID())
			}

			r = r.WithContext(ctx)
			clientIP := httputil.GetClientIP(r)

			tracing.AddSpanAttributes(ctx,
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.route", r.URL.Path),
				attribute.String("http.host", r.Host),
				attribute.String("user_agent.original", r.Header.Get("User-Agent")),
				attribute.String("client.address", clientIP),
			)

			info := tracing.GetRequestInfo(ctx)
			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldTraceID:   info.TraceID,
				service.LogFieldMethod:    r.Method,
				service.LogFieldURL:       r.URL.Path,
				service.LogFieldRemoteIP:  clientIP,
				service.LogFieldUserAgent: r.Header.Get("User-Agent"),
				"content_length":          r.ContentLength,
			}).Info("HTTP request started")

			metrics.IncrementCounter("http_requests_total", map[string]string{
				"method":   r.Method,
				"endpoint": r.URL.Path,
			}, "Total HTTP requests")
			metrics.IncrementCounter("http_requests_active", nil, "Currently active HTTP requests")
			defer metrics.AddToCounter("http_requests_active", -1, nil, "Currently active HTTP requests")

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			duration := tracing.Duration(ctx)
			statusLabel := strconv.Itoa(rec.status)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", rec.status),
				attribute.Int64("http.response.size", rec.written),
				attribute.Int64("http.request.duration_ms", duration.Milliseconds()),
			)
			if rec.status >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("HTTP %d", rec.status))
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
			}

			metrics.RecordTimer("http_request_duration", duration, map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": statusLabel,
			}, "HTTP request duration")
			metrics.IncrementCounter("http_responses_total", map[string]string{
				"method":      r.Method,
				"endpoint":    r.URL.Path,
				"status_code": statusLabel,
			}, "HTTP responses by status code")
			if rec.written > 0 {
				metrics.AddToCounter("http_response_bytes_total", float64(rec.written), map[string]string{
					"method":   r.Method,
					"endpoint": r.URL.Path,
				}, "Total HTTP response bytes")
			}

			logger.WithFields(logrus.Fields{
				service.LogFieldRequestID:  info.RequestID,
				service.LogFieldTraceID:    info.TraceID,
				service.LogFieldMethod:     r.Method,
				service.LogFieldURL:        r.URL.Path,
				service.LogFieldStatusCode: rec.status,
				service.LogFieldDuration:   duration.Milliseconds(),
				service.LogFieldRemoteIP:   clientIP,
				service.LogFieldSize:       rec.written,
			}).Log(levelForStatus(rec.status), "HTTP request completed")
		})
	}
}

// WebhookObservabilityMiddleware instruments a channel webhook route. Metrics
// and spans are labelled with the channel kind so per-vendor ingress health is
// visible on the metrics endpoint.
func WebhookObservabilityMiddleware(logger *logrus.Logger, channel string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := tracing.WithOtelTracing(r.Context(), "channel_webhook")
			defer span.End()
			r = r.WithContext(ctx)
			clientIP := httputil.GetClientIP(r)

			tracing.AddSpanAttributes(ctx,
				attribute.String("webhook.channel", channel),
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("client.address", clientIP),
				attribute.String("http.request.header.content-type", r.Header.Get("Content-Type")),
				attribute.Int64("http.request.content_length", r.ContentLength),
			)

			metrics.IncrementCounter("channel_webhook_requests_total", map[string]string{
				"channel": channel,
			}, "Channel webhook requests by channel kind")

			info := tracing.GetRequestInfo(ctx)
			logger.WithFields(maskedLogrusFields(map[string]interface{}{
				service.LogFieldRequestID: info.RequestID,
				service.LogFieldTraceID:   info.TraceID,
				service.LogFieldService:   "webhook",
				service.LogFieldComponent: channel,
				service.LogFieldRemoteIP:  clientIP,
				"content_type":            r.Header.Get("Content-Type"),
				"content_length":          r.ContentLength,
			})).Info("Channel webhook received")

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			statusLabel := strconv.Itoa(rec.status)

			tracing.AddSpanAttributes(ctx,
				attribute.Int("http.response.status_code", rec.status),
				attribute.Int64("http.response.size", rec.written),
				attribute.Int64("webhook.duration_ms", elapsed.Milliseconds()),
			)
			if rec.status >= 400 {
				tracing.SetSpanStatus(ctx, codes.Error, fmt.Sprintf("webhook rejected with HTTP %d", rec.status))
				metrics.IncrementCounter("channel_webhook_failures_total", map[string]string{
					"channel":     channel,
					"status_code": statusLabel,
				}, "Channel webhook failures")
			} else {
				tracing.SetSpanStatus(ctx, codes.Ok, "")
				metrics.IncrementCounter("channel_webhook_success_total", map[string]string{
					"channel": channel,
				}, "Channel webhooks accepted")
			}

			metrics.RecordTimer("channel_webhook_duration", elapsed, map[string]string{
				"channel":     channel,
				"status_code": statusLabel,
			}, "Channel webhook processing duration")

			logger.WithFields(maskedLogrusFields(map[string]interface{}{
				service.LogFieldRequestID:  info.RequestID,
				service.LogFieldTraceID:    info.TraceID,
				service.LogFieldService:    "webhook",
				service.LogFieldComponent:  channel,
				service.LogFieldStatusCode: rec.status,
				service.LogFieldDuration:   elapsed.Milliseconds(),
				service.LogFieldSize:       rec.written,
			})).Log(levelForStatus(rec.status), "Channel webhook completed")
		})
	}
}
