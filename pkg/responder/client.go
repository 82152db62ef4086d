package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"
	"deskrelay/internal/retry"
	"deskrelay/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

const (
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
	maxAttempts         = 3
)

// Client is the default Responder implementation: a JSON POST to the
// configured service behind a circuit breaker with bounded retry, so a dead
// responder fails fast instead of pinning every consumer worker on timeouts.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	backoff    *retry.Backoff
	logger     *logrus.Logger
}

func NewClient(cfg models.ResponderConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if httpClient == nil {
		timeoutSec := cfg.TimeoutSec
		if timeoutSec <= 0 {
			timeoutSec = constants.DefaultHTTPTimeoutSec
		}
		httpClient = &http.Client{Timeout: time.Duration(timeoutSec) * time.Second}
	}

	backoffConfig := retry.DefaultBackoffConfig()
	backoffConfig.MaxAttempts = maxAttempts

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		breaker:    circuitbreaker.NewWithLogger("responder", breakerMaxFailures, breakerResetTimeout, logger),
		backoff:    retry.NewBackoff(backoffConfig),
		logger:     logger,
	}
}

// apiError is a non-2xx responder answer. Server errors retry, client errors
// are permanent.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("responder API error: status %d, body: %s", e.status, e.body)
}

func retryableResponderError(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr.status >= http.StatusInternalServerError
	}
	return true
}

// Respond posts the canonical message and returns the responder's decision.
// One Respond counts as one sample for the circuit breaker no matter how
// many retry attempts it took.
func (c *Client) Respond(ctx context.Context, msg *models.CanonicalMessage) (*models.ResponderResult, error) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	var result models.ResponderResult
	err = c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.backoff.RetryWithPredicate(ctx, func() error {
			return c.post(ctx, jsonData, &result)
		}, retryableResponderError)
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"message": msg.MessageID,
		"handoff": result.Handoff,
	}).Debug("Responder decision received")

	return &result, nil
}

func (c *Client) post(ctx context.Context, body []byte, result *models.ResponderResult) error {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/respond", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &apiError{status: resp.StatusCode, body: string(bodyBytes)}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
