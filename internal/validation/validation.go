package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"deskrelay/internal/constants"
	"deskrelay/internal/errors"
)

// ValidateChannelKind validates a channel kind against the supported set
func ValidateChannelKind(kind string) error {
	switch kind {
	case "dingtalk", "feishu", "wecom", "email":
		return nil
	case "":
		return errors.New(errors.ErrCodeInvalidInput, "channel kind cannot be empty")
	default:
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("unsupported channel kind: %s", kind))
	}
}

// ValidatePlatformID validates a platform identity format and length
func ValidatePlatformID(platformID string) error {
	if platformID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "platform ID cannot be empty")
	}

	if len(platformID) > constants.MaxPlatformIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("platform ID too long (max %d characters)", constants.MaxPlatformIDLength))
	}

	// Platform IDs should be alphanumeric with underscores and dashes
	for _, char := range platformID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' {
			return errors.New(errors.ErrCodeInvalidInput,
				"platform ID must contain only letters, numbers, underscores, and dashes")
		}
	}

	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message ID too long (max %d characters)", constants.MaxMessageIDLength))
	}

	// Check for control characters that could cause issues
	for _, char := range messageID {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.New(errors.ErrCodeInvalidInput, "message ID contains invalid characters")
		}
	}

	return nil
}

// ValidateEmailAddress validates an email address format and length
func ValidateEmailAddress(addr string) error {
	if addr == "" {
		return errors.New(errors.ErrCodeInvalidInput, "email address cannot be empty")
	}

	if len(addr) > 254 { // RFC 5321 maximum path length
		return errors.New(errors.ErrCodeInvalidInput, "email address too long (max 254 characters)")
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return errors.New(errors.ErrCodeInvalidInput, "email address must contain a local part and a domain")
	}

	for _, char := range addr {
		if char == '\x00' || char == '\n' || char == '\r' || unicode.IsSpace(char) {
			return errors.New(errors.ErrCodeInvalidInput, "email address contains invalid characters")
		}
	}

	return nil
}

// ValidateMessageContent validates message body length
func ValidateMessageContent(content string) error {
	if len(content) > constants.MaxContentLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message content too long (max %d bytes)", constants.MaxContentLength))
	}

	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}

// ValidateConnectionPool validates database connection pool settings
func ValidateConnectionPool(maxOpen, maxIdle int) error {
	if maxOpen < 1 {
		return errors.New(errors.ErrCodeInvalidInput, "max open connections must be at least 1")
	}

	if maxOpen > 1000 {
		return errors.New(errors.ErrCodeInvalidInput, "max open connections too large (max 1000)")
	}

	if maxIdle < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "max idle connections cannot be negative")
	}

	if maxIdle > maxOpen {
		return errors.New(errors.ErrCodeInvalidInput, "max idle connections cannot exceed max open connections")
	}

	return nil
}
