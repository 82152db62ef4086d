// Package tracing carries request correlation identifiers through contexts,
// both as plain values for log fields and as OpenTelemetry spans.
package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	traceIDKey
	spanIDKey
	startTimeKey
)

// RequestInfo bundles the correlation values attached to one request.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	TraceID   string    `json:"trace_id"`
	SpanID    string    `json:"span_id"`
	StartTime time.Time `json:"start_time"`
}

// randomHex returns n random bytes hex encoded, or "" when the entropy
// source fails so callers can fall back to a clock-derived identifier.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}

// GenerateRequestID returns a fresh request identifier for log correlation.
func GenerateRequestID() string {
	if s := randomHex(8); s != "" {
		return "req_" + s
	}
	return fmt.Sprintf("req_%d", time.Now().UnixNano())
}

// GenerateTraceID returns a 16 byte trace identifier in hex, matching the
// W3C trace ID width.
func GenerateTraceID() string {
	if s := randomHex(16); s != "" {
		return s
	}
	return fmt.Sprintf("trace_%d", time.Now().UnixNano())
}

// GenerateSpanID returns an 8 byte span identifier in hex.
func GenerateSpanID() string {
	if s := randomHex(8); s != "" {
		return s
	}
	return fmt.Sprintf("span_%d", time.Now().UnixNano())
}

func stringValue(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)
	return s
}

// WithRequestID stores a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithTraceID stores a trace ID on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID stores a span ID on the context.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// WithStartTime stores the request start time on the context.
func WithStartTime(ctx context.Context, startTime time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, startTime)
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	return stringValue(ctx, requestIDKey)
}

// GetTraceID returns the trace ID from the context, or "".
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, traceIDKey)
}

// GetSpanID returns the span ID from the context, or "".
func GetSpanID(ctx context.Context) string {
	return stringValue(ctx, spanIDKey)
}

// GetStartTime returns the request start time from the context, or the zero
// time when none was recorded.
func GetStartTime(ctx context.Context) time.Time {
	ts, _ := ctx.Value(startTimeKey).(time.Time)
	return ts
}

// GetRequestInfo collects every correlation value present on the context.
// Missing values come back as their zero forms.
func GetRequestInfo(ctx context.Context) *RequestInfo {
	return &RequestInfo{
		RequestID: GetRequestID(ctx),
		TraceID:   GetTraceID(ctx),
		SpanID:    GetSpanID(ctx),
		StartTime: GetStartTime(ctx),
	}
}

// WithFullTracing stamps the context with fresh request, trace, and span
// identifiers plus the current time.
func WithFullTracing(ctx context.Context) context.Context {
	ctx = WithRequestID(ctx, GenerateRequestID())
	ctx = WithTraceID(ctx, GenerateTraceID())
	ctx = WithSpanID(ctx, GenerateSpanID())
	return WithStartTime(ctx, time.Now())
}

// Duration reports how long the request has been running, or zero when the
// context has no start time.
func Duration(ctx context.Context) time.Duration {
	start := GetStartTime(ctx)
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
