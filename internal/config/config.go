package config

import (
	"encoding/json"
	"fmt"
	"os"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"
	"deskrelay/internal/security"
)

var (
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
	ErrMissingResponderURL = models.ConfigError{Message: "missing responder base URL"}
	ErrMissingChannels     = models.ConfigError{Message: "channels array is required and must contain at least one channel"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	// Perform security validation after environment overrides
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Responder.BaseURL == "" {
		return ErrMissingResponderURL
	}

	if len(c.Channels) == 0 {
		return ErrMissingChannels
	}

	// Webhook routing is keyed by (kind, platformId), so duplicates cannot be
	// told apart. Structural problems inside one channel entry are handled at
	// registry build time, where the entry is skipped with a warning.
	seen := make(map[string]bool)
	for i, channel := range c.Channels {
		if channel.PlatformID == "" {
			continue
		}
		key := string(channel.Kind) + "/" + channel.PlatformID
		if seen[key] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate channel %s (entry %d)", key, i)}
		}
		seen[key] = true
	}

	// Server defaults
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}

	// Responder defaults
	if c.Responder.TimeoutSec <= 0 {
		c.Responder.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	// Queue defaults
	if c.Queue.DefaultWaitTimeoutMinutes <= 0 {
		c.Queue.DefaultWaitTimeoutMinutes = constants.DefaultQueueWaitTimeoutMinutes
	}
	if c.Queue.TriggerBatchSize <= 0 {
		c.Queue.TriggerBatchSize = constants.DefaultTriggerBatchSize
	}
	if c.Queue.MaxConcurrentSweeps <= 0 {
		c.Queue.MaxConcurrentSweeps = constants.DefaultMaxConcurrentSweeps
	}
	if c.Queue.FallbackIntervalSec <= 0 {
		c.Queue.FallbackIntervalSec = constants.DefaultFallbackIntervalSec
	}
	if c.Queue.CleanupIntervalSec <= 0 {
		c.Queue.CleanupIntervalSec = constants.DefaultCleanupIntervalSec
	}

	// Consumer defaults; per-channel overrides stay on the channel entry
	if c.Consumer.PollIntervalSec <= 0 {
		c.Consumer.PollIntervalSec = constants.DefaultConsumerPollIntervalSec
	}
	if c.Consumer.BatchSize <= 0 {
		c.Consumer.BatchSize = constants.DefaultConsumerBatchSize
	}
	if c.Consumer.MaxRetries <= 0 {
		c.Consumer.MaxRetries = constants.DefaultConsumerMaxRetries
	}

	// Retry defaults
	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultBackoffMaxAttempts
	}

	if c.VisitorCacheTTLSec <= 0 {
		c.VisitorCacheTTLSec = constants.DefaultVisitorCacheTTLSec
	}
	if c.IdempotencyTTLSec <= 0 {
		c.IdempotencyTTLSec = constants.DefaultIdempotencyTTLSec
	}

	if c.Events.Exchange == "" {
		c.Events.Exchange = constants.DefaultEventsExchange
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if path := os.Getenv("DESKRELAY_DB_PATH"); path != "" {
		c.Database.Path = path
	}

	// SECURITY: API keys should be set via environment variables
	if key := os.Getenv("DESKRELAY_API_KEY"); key != "" {
		c.Server.APIKey = key
	}
	if key := os.Getenv("DESKRELAY_RESPONDER_API_KEY"); key != "" {
		c.Responder.APIKey = key
	}

	if url := os.Getenv("DESKRELAY_EVENTS_URL"); url != "" {
		c.Events.URL = url
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	// Check if we're in production mode
	isProduction := os.Getenv("DESKRELAY_ENV") == "production"

	if isProduction {
		// In production, the admin API key is mandatory
		if c.Server.APIKey == "" {
			return models.ConfigError{Message: "server API key is required in production (set DESKRELAY_API_KEY environment variable)"}
		}

		// Validate API key strength
		if len(c.Server.APIKey) < 32 {
			return models.ConfigError{Message: "server API key must be at least 32 characters long"}
		}

		// Warn about debug logging in production
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		// In development, warn if secrets are missing
		if c.Server.APIKey == "" {
			fmt.Fprintf(os.Stderr, "WARNING: server API key not set. Set DESKRELAY_API_KEY environment variable to protect the admin API.\n")
		}
	}

	return nil
}
