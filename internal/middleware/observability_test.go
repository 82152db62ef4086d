package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"deskrelay/internal/metrics"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterValue reads a counter from the global registry, zero when absent.
// The registry is shared across the test binary so assertions work on deltas
// against unique endpoint paths.
func counterValue(key string) float64 {
	if c, ok := metrics.GetAllMetrics().Counters[key]; ok {
		return c.Value
	}
	return 0
}

func entryByMessage(entries []*logrus.Entry, msg string) *logrus.Entry {
	for _, e := range entries {
		if e.Message == msg {
			return e
		}
	}
	return nil
}

func TestObservabilityMiddleware_InstrumentsRequest(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := tracing.GetRequestInfo(r.Context())
		assert.True(t, strings.HasPrefix(info.RequestID, "req_"))
		assert.Len(t, info.TraceID, 32)
		assert.Len(t, info.SpanID, 16)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("relay response"))
	}))

	requestsKey := "http_requests_total_endpoint:/obs/basic_method:GET"
	responsesKey := "http_responses_total_endpoint:/obs/basic_method:GET_status_code:200"
	bytesKey := "http_response_bytes_total_endpoint:/obs/basic_method:GET"
	activeBefore := counterValue("http_requests_active")
	requestsBefore := counterValue(requestsKey)

	req := httptest.NewRequest(http.MethodGet, "/obs/basic", nil)
	req.Header.Set("User-Agent", "relay-probe")
	req.RemoteAddr = "192.168.1.100:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, requestsBefore+1, counterValue(requestsKey))
	assert.Equal(t, float64(1), counterValue(responsesKey), "one 200 response recorded")
	assert.Equal(t, float64(len("relay response")), counterValue(bytesKey))
	assert.Equal(t, activeBefore, counterValue("http_requests_active"), "active count returns to baseline")

	timer, ok := metrics.GetAllMetrics().Timers["http_request_duration_endpoint:/obs/basic_method:GET_status_code:200"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, timer.Count, int64(1))

	started := entryByMessage(hook.AllEntries(), "HTTP request started")
	require.NotNil(t, started)
	assert.Equal(t, logrus.InfoLevel, started.Level)
	assert.Equal(t, "192.168.1.100", started.Data[service.LogFieldRemoteIP])
	assert.Equal(t, "relay-probe", started.Data[service.LogFieldUserAgent])
	assert.NotEmpty(t, started.Data[service.LogFieldRequestID])
	assert.NotEmpty(t, started.Data[service.LogFieldTraceID])

	completed := entryByMessage(hook.AllEntries(), "HTTP request completed")
	require.NotNil(t, completed)
	assert.Equal(t, logrus.InfoLevel, completed.Level)
	assert.Equal(t, http.StatusOK, completed.Data[service.LogFieldStatusCode])
	assert.Equal(t, int64(len("relay response")), completed.Data[service.LogFieldSize])
	assert.Equal(t, started.Data[service.LogFieldRequestID], completed.Data[service.LogFieldRequestID])
}

func TestObservabilityMiddleware_CompletionLevelTracksStatus(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		wantLevel logrus.Level
	}{
		{"ok is info", "/obs/level-ok", http.StatusNoContent, logrus.InfoLevel},
		{"client error is warning", "/obs/level-warn", http.StatusNotFound, logrus.WarnLevel},
		{"server error is error", "/obs/level-err", http.StatusInternalServerError, logrus.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := logtest.NewNullLogger()
			handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.status, rec.Code)
			completed := entryByMessage(hook.AllEntries(), "HTTP request completed")
			require.NotNil(t, completed)
			assert.Equal(t, tt.wantLevel, completed.Level)
		})
	}
}

func TestObservabilityMiddleware_FallbackTraceIDsWithoutOtel(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	// OpenTelemetry is not initialized in tests, so the middleware must fall
	// back to locally generated IDs instead of all-zero span context values.
	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := tracing.GetRequestInfo(r.Context())
		assert.NotEqual(t, strings.Repeat("0", 32), info.TraceID)
		assert.NotEqual(t, strings.Repeat("0", 16), info.SpanID)
		assert.NotEmpty(t, info.TraceID)
		assert.NotEmpty(t, info.SpanID)
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/obs/fallback", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestObservabilityMiddleware_AccumulatesAcrossRequests(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	handler := ObservabilityMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	key := "http_requests_total_endpoint:/obs/repeat_method:GET"
	before := counterValue(key)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/obs/repeat", nil))
		}()
	}
	wg.Wait()

	assert.Equal(t, before+5, counterValue(key))
}

func TestWebhookObservabilityMiddleware_Success(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	handler := WebhookObservabilityMiddleware(logger, "dingtalk")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("accepted"))
	}))

	requestsKey := "channel_webhook_requests_total_channel:dingtalk"
	successKey := "channel_webhook_success_total_channel:dingtalk"
	requestsBefore := counterValue(requestsKey)
	successBefore := counterValue(successKey)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/dingtalk/app-1", strings.NewReader(`{"msgtype":"text"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	req = req.WithContext(tracing.WithFullTracing(req.Context()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, requestsBefore+1, counterValue(requestsKey))
	assert.Equal(t, successBefore+1, counterValue(successKey))

	timer, ok := metrics.GetAllMetrics().Timers["channel_webhook_duration_channel:dingtalk_status_code:200"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, timer.Count, int64(1))

	received := entryByMessage(hook.AllEntries(), "Channel webhook received")
	require.NotNil(t, received)
	assert.Equal(t, "webhook", received.Data[service.LogFieldService])
	assert.Equal(t, "dingtalk", received.Data[service.LogFieldComponent])
	assert.Equal(t, "10.0.0.1", received.Data[service.LogFieldRemoteIP])

	completed := entryByMessage(hook.AllEntries(), "Channel webhook completed")
	require.NotNil(t, completed)
	assert.Equal(t, logrus.InfoLevel, completed.Level)
	assert.Equal(t, http.StatusOK, completed.Data[service.LogFieldStatusCode])
}

func TestWebhookObservabilityMiddleware_RejectionCountsFailure(t *testing.T) {
	logger, hook := logtest.NewNullLogger()

	handler := WebhookObservabilityMiddleware(logger, "wecom")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad signature"))
	}))

	failuresKey := "channel_webhook_failures_total_channel:wecom_status_code:400"
	successKey := "channel_webhook_success_total_channel:wecom"
	failuresBefore := counterValue(failuresKey)
	successBefore := counterValue(successKey)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/wecom/kf-1", nil)
	req = req.WithContext(tracing.WithFullTracing(req.Context()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, failuresBefore+1, counterValue(failuresKey))
	assert.Equal(t, successBefore, counterValue(successKey), "rejected webhook must not count as success")

	completed := entryByMessage(hook.AllEntries(), "Channel webhook completed")
	require.NotNil(t, completed)
	assert.Equal(t, logrus.WarnLevel, completed.Level)
}

func TestStatusRecorder(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rec.status, "defaults to 200 when WriteHeader is never called")

	rec.WriteHeader(http.StatusCreated)
	assert.Equal(t, http.StatusCreated, rec.status)

	n, err := rec.Write([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, err = rec.Write([]byte(" second"))
	require.NoError(t, err)
	assert.Equal(t, int64(len("first second")), rec.written)
}

func TestBodyCapture(t *testing.T) {
	underlying := httptest.NewRecorder()
	capture := &bodyCapture{statusRecorder: newStatusRecorder(underlying)}

	capture.Header().Set("X-Test", "value")
	assert.Equal(t, "value", underlying.Header().Get("X-Test"))

	capture.WriteHeader(http.StatusAccepted)
	assert.Equal(t, http.StatusAccepted, capture.status)

	_, err := capture.Write([]byte("queued"))
	require.NoError(t, err)
	_, err = capture.Write([]byte(" entry"))
	require.NoError(t, err)

	assert.Equal(t, "queued entry", capture.body.String())
	assert.Equal(t, "queued entry", underlying.Body.String(), "writes still reach the client")
	assert.Equal(t, int64(len("queued entry")), capture.written)
}

func debugLogger() (*logrus.Logger, *logtest.Hook) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger, hook
}

func TestDetailedLoggingMiddleware_DefaultConfig(t *testing.T) {
	logger, hook := debugLogger()
	handler := DetailedLoggingMiddleware(logger, DefaultDetailedLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/accept", strings.NewReader(`{"entry_id":"q-1"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("X-API-Key", "hunter2")
	req = req.WithContext(tracing.WithFullTracing(req.Context()))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	detail := entryByMessage(hook.AllEntries(), "HTTP request detail")
	require.NotNil(t, detail)
	assert.NotEmpty(t, detail.Data[service.LogFieldRequestID])

	headers, ok := detail.Data["request_headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "***MASKED***", headers["Authorization"])
	assert.Equal(t, "***MASKED***", headers["X-Api-Key"])
	assert.Equal(t, "application/json", headers["Content-Type"])

	assert.NotContains(t, detail.Data, "request_body", "bodies stay off by default")
	assert.Nil(t, entryByMessage(hook.AllEntries(), "HTTP response detail"),
		"response capture is skipped unless enabled")
}

func TestDetailedLoggingMiddleware_FullCapture(t *testing.T) {
	logger, hook := debugLogger()
	config := DetailedLoggingConfig{
		LogRequestHeaders:  true,
		LogResponseHeaders: true,
		LogRequestBody:     true,
		LogResponseBody:    true,
		MaxBodySize:        1024,
		SensitiveHeaders:   []string{"x-api-key"},
	}

	handler := DetailedLoggingMiddleware(logger, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Entry-ID", "q-77")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"q-77","state":"waiting"}`))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue", strings.NewReader(`{"visitor":"v-9"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	requestDetail := entryByMessage(hook.AllEntries(), "HTTP request detail")
	require.NotNil(t, requestDetail)
	body, ok := requestDetail.Data["request_body"].(string)
	require.True(t, ok)
	assert.Contains(t, body, "v-9")

	responseDetail := entryByMessage(hook.AllEntries(), "HTTP response detail")
	require.NotNil(t, responseDetail)
	assert.Equal(t, http.StatusCreated, responseDetail.Data["status_code"])
	respHeaders, ok := responseDetail.Data["response_headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "q-77", respHeaders["X-Entry-Id"])
	assert.Contains(t, responseDetail.Data["response_body"], "waiting")
}

func TestDetailedLoggingMiddleware_HandlerStillReadsBody(t *testing.T) {
	logger, _ := debugLogger()
	config := DefaultDetailedLoggingConfig()
	config.LogRequestBody = true

	var seen string
	handler := DetailedLoggingMiddleware(logger, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(data)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue/trigger", strings.NewReader(`{"project_id":"p-1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, `{"project_id":"p-1"}`, seen, "logging must not consume the body")
}

func TestDetailedLoggingMiddleware_SkipEndpoints(t *testing.T) {
	logger, hook := debugLogger()
	handler := DetailedLoggingMiddleware(logger, DefaultDetailedLoggingConfig())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/metrics", "/health", "/version"} {
		hook.Reset()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, hook.AllEntries(), "no detail logging for %s", path)
	}
}

func TestDetailedLoggingMiddleware_TruncatesLargeResponse(t *testing.T) {
	logger, hook := debugLogger()
	config := DetailedLoggingConfig{
		LogRequestBody:  true,
		LogResponseBody: true,
		MaxBodySize:     1024,
	}

	handler := DetailedLoggingMiddleware(logger, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/queue", strings.NewReader(strings.Repeat("a", 500)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	requestDetail := entryByMessage(hook.AllEntries(), "HTTP request detail")
	require.NotNil(t, requestDetail)
	assert.Contains(t, requestDetail.Data, "request_body", "small request body is logged")

	responseDetail := entryByMessage(hook.AllEntries(), "HTTP response detail")
	require.NotNil(t, responseDetail)
	assert.Equal(t, "***TRUNCATED*** (size: 2048 bytes)", responseDetail.Data["response_body"])
}

func TestDetailedLoggingMiddleware_BinaryBodyNotLogged(t *testing.T) {
	logger, hook := debugLogger()
	config := DetailedLoggingConfig{LogRequestBody: true, MaxBodySize: 1024}

	handler := DetailedLoggingMiddleware(logger, config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", strings.NewReader("binary data"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	detail := entryByMessage(hook.AllEntries(), "HTTP request detail")
	require.NotNil(t, detail)
	assert.NotContains(t, detail.Data, "request_body")
}

func TestDefaultDetailedLoggingConfig(t *testing.T) {
	config := DefaultDetailedLoggingConfig()

	assert.True(t, config.LogRequestHeaders)
	assert.False(t, config.LogResponseHeaders)
	assert.False(t, config.LogRequestBody)
	assert.False(t, config.LogResponseBody)
	assert.Equal(t, 1024, config.MaxBodySize)
	assert.Contains(t, config.SensitiveHeaders, "authorization")
	assert.Contains(t, config.SensitiveHeaders, "x-api-key")
	assert.Contains(t, config.SkipEndpoints, "/metrics")
	assert.Contains(t, config.SkipEndpoints, "/version")
}

func TestLevelForStatus(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, levelForStatus(http.StatusOK))
	assert.Equal(t, logrus.InfoLevel, levelForStatus(http.StatusNoContent))
	assert.Equal(t, logrus.InfoLevel, levelForStatus(http.StatusTemporaryRedirect))
	assert.Equal(t, logrus.WarnLevel, levelForStatus(http.StatusBadRequest))
	assert.Equal(t, logrus.WarnLevel, levelForStatus(http.StatusTooManyRequests))
	assert.Equal(t, logrus.ErrorLevel, levelForStatus(http.StatusInternalServerError))
	assert.Equal(t, logrus.ErrorLevel, levelForStatus(http.StatusServiceUnavailable))
}

func TestMaskedHeaders(t *testing.T) {
	header := http.Header{}
	header.Set("Authorization", "Bearer token")
	header.Set("Content-Type", "application/json")
	header.Add("Accept", "application/json")
	header.Add("Accept", "text/plain")

	out := maskedHeaders(header, []string{"AUTHORIZATION"})

	assert.Equal(t, "***MASKED***", out["Authorization"], "matching is case insensitive")
	assert.Equal(t, "application/json", out["Content-Type"])
	assert.Equal(t, "application/json, text/plain", out["Accept"], "multi-value headers are joined")
}

func TestTextContent(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/xml", true},
		{"text/plain", true},
		{"text/html", true},
		{"application/x-www-form-urlencoded", true},
		{"application/octet-stream", false},
		{"image/jpeg", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, textContent(tt.contentType), "content type %q", tt.contentType)
	}
}
