package middleware

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"deskrelay/internal/httputil"
	"deskrelay/internal/privacy"
	"deskrelay/internal/service"
	"deskrelay/internal/tracing"

	"github.com/sirupsen/logrus"
)

// DetailedLoggingConfig controls what the debug request logger captures.
type DetailedLoggingConfig struct {
	LogRequestHeaders  bool     `json:"log_request_headers"`
	LogResponseHeaders bool     `json:"log_response_headers"`
	LogRequestBody     bool     `json:"log_request_body"`
	LogResponseBody    bool     `json:"log_response_body"`
	MaxBodySize        int      `json:"max_body_size"`
	SensitiveHeaders   []string `json:"sensitive_headers"`
	SkipEndpoints      []string `json:"skip_endpoints"`
}

// DefaultDetailedLoggingConfig returns the capture settings used when the
// server runs at debug level. Bodies are off until explicitly enabled.
func DefaultDetailedLoggingConfig() DetailedLoggingConfig {
	return DetailedLoggingConfig{
		LogRequestHeaders:  true,
		LogResponseHeaders: false,
		LogRequestBody:     false,
		LogResponseBody:    false,
		MaxBodySize:        1024,
		SensitiveHeaders: []string{
			"authorization", "x-api-key", "x-signature",
			"cookie", "set-cookie", "x-auth-token",
		},
		SkipEndpoints: []string{
			"/metrics", "/health", "/version",
		},
	}
}

// DetailedLoggingMiddleware logs request and response details at debug level
// for troubleshooting. Sensitive headers and payload fields are masked before
// they reach the log.
func DetailedLoggingMiddleware(logger *logrus.Logger, config DetailedLoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range config.SkipEndpoints {
				if strings.Contains(r.URL.Path, skip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			info := tracing.GetRequestInfo(r.Context())
			logRequestDetail(logger, r, info, config)

			if !config.LogResponseBody && !config.LogResponseHeaders {
				next.ServeHTTP(w, r)
				return
			}

			capture := &bodyCapture{statusRecorder: newStatusRecorder(w)}
			next.ServeHTTP(capture, r)
			logResponseDetail(logger, capture, info, config)
		})
	}
}

func logRequestDetail(logger *logrus.Logger, r *http.Request, info *tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: info.RequestID,
		service.LogFieldTraceID:   info.TraceID,
		service.LogFieldMethod:    r.Method,
		service.LogFieldURL:       r.URL.String(),
		service.LogFieldRemoteIP:  httputil.GetClientIP(r),
		"content_length":          r.ContentLength,
		"protocol":                r.Proto,
	}

	if config.LogRequestHeaders {
		fields["request_headers"] = maskedHeaders(r.Header, config.SensitiveHeaders)
	}

	if config.LogRequestBody && textContent(r.Header.Get("Content-Type")) &&
		r.ContentLength > 0 && r.ContentLength <= int64(config.MaxBodySize) {
		body, err := io.ReadAll(r.Body)
		if err == nil {
			// Hand the handler a fresh body since the original is consumed.
			r.Body = io.NopCloser(bytes.NewReader(body))
			masked := privacy.MaskSensitiveFields(map[string]interface{}{"body": string(body)})
			fields["request_body"] = masked["body"]
		}
	}

	logger.WithFields(fields).Debug("HTTP request detail")
}

func logResponseDetail(logger *logrus.Logger, capture *bodyCapture, info *tracing.RequestInfo, config DetailedLoggingConfig) {
	fields := logrus.Fields{
		service.LogFieldRequestID: info.RequestID,
		service.LogFieldTraceID:   info.TraceID,
		"status_code":             capture.status,
		"response_size":           capture.body.Len(),
	}

	if config.LogResponseHeaders {
		fields["response_headers"] = maskedHeaders(capture.Header(), config.SensitiveHeaders)
	}

	if config.LogResponseBody && capture.body.Len() > 0 {
		if capture.body.Len() <= config.MaxBodySize {
			masked := privacy.MaskSensitiveFields(map[string]interface{}{"body": capture.body.String()})
			fields["response_body"] = masked["body"]
		} else {
			fields["response_body"] = fmt.Sprintf("***TRUNCATED*** (size: %d bytes)", capture.body.Len())
		}
	}

	logger.WithFields(fields).Debug("HTTP response detail")
}

// bodyCapture duplicates the response body into a buffer while passing writes
// through to the client.
type bodyCapture struct {
	*statusRecorder
	body bytes.Buffer
}

func (bc *bodyCapture) Write(data []byte) (int, error) {
	n, err := bc.statusRecorder.Write(data)
	bc.body.Write(data[:n])
	return n, err
}

// maskedHeaders flattens headers for logging, replacing sensitive values.
func maskedHeaders(header http.Header, sensitive []string) map[string]string {
	out := make(map[string]string, len(header))
	for name, values := range header {
		lower := strings.ToLower(name)
		masked := false
		for _, s := range sensitive {
			if strings.ToLower(s) == lower {
				masked = true
				break
			}
		}
		if masked {
			out[name] = "***MASKED***"
		} else {
			out[name] = strings.Join(values, ", ")
		}
	}
	return out
}

// textContent reports whether a content type is safe to log as text.
func textContent(contentType string) bool {
	for _, t := range []string{
		"application/json",
		"application/xml",
		"text/",
		"application/x-www-form-urlencoded",
	} {
		if strings.Contains(contentType, t) {
			return true
		}
	}
	return false
}
