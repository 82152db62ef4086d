package service

import (
	"context"
	"fmt"
	"strings"

	"deskrelay/internal/constants"
	"deskrelay/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// SanitizeUserID masks vendor user identifiers for privacy
func SanitizeUserID(userID string) string {
	return privacy.MaskUserID(userID)
}

// SanitizeMessageID removes or shortens message IDs for privacy
func SanitizeMessageID(msgID string) string {
	if msgID == "" {
		return ""
	}

	// Mail message IDs keep their domain so threads stay traceable
	if strings.HasPrefix(msgID, "<") && strings.Contains(msgID, "@") {
		return privacy.MaskMessageID(msgID)
	}

	// Show only first N characters
	if len(msgID) > constants.DefaultMessageIDLength {
		return msgID[:constants.DefaultMessageIDLength] + "..."
	}
	return msgID
}

// SanitizeVisitorID masks visitor external identifiers for privacy
func SanitizeVisitorID(externalID string) string {
	return privacy.MaskVisitorID(externalID)
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// ValidateMessageID performs basic message ID validation
func ValidateMessageID(msgID string) error {
	if msgID == "" {
		return fmt.Errorf("message ID cannot be empty")
	}

	// Check length limits
	if len(msgID) > constants.MaxMessageIDLength {
		return fmt.Errorf("message ID too long (max %d characters)", constants.MaxMessageIDLength)
	}

	// Check for potentially dangerous characters
	if strings.ContainsAny(msgID, "\x00\n\r\t") {
		return fmt.Errorf("message ID contains invalid characters")
	}

	return nil
}

// ValidatePlatformID performs platform identity validation
func ValidatePlatformID(platformID string) error {
	if platformID == "" {
		return fmt.Errorf("platform ID cannot be empty")
	}

	// Check length limits
	if len(platformID) > constants.MaxPlatformIDLength {
		return fmt.Errorf("platform ID too long (max %d characters)", constants.MaxPlatformIDLength)
	}

	// Allow only alphanumeric characters, hyphens, and underscores
	for _, char := range platformID {
		if (char < 'a' || char > 'z') &&
			(char < 'A' || char > 'Z') &&
			(char < '0' || char > '9') &&
			char != '-' && char != '_' {
			return fmt.Errorf("platform ID must contain only alphanumeric characters, hyphens, and underscores")
		}
	}

	return nil
}

// LogMessageProcessing logs message processing with appropriate privacy controls
func LogMessageProcessing(ctx context.Context, logger *logrus.Logger, channel, platformID, msgID, sender, content string) {
	if IsVerboseLogging(ctx) {
		logger.WithFields(logrus.Fields{
			"channel":  channel,
			"platform": platformID,
			"msgID":    msgID,
			"sender":   sender,
			"content":  content,
		}).Info("Processing message")
	} else {
		logger.WithFields(logrus.Fields{
			"channel":  channel,
			"platform": platformID,
			"msgID":    SanitizeMessageID(msgID),
			"sender":   SanitizeUserID(sender),
		}).Info("Processing message")
	}
}

// LogChannelPolling logs channel polling activity with privacy controls
func LogChannelPolling(ctx context.Context, logger *logrus.Logger, channel string, messageCount int) {
	if messageCount > 0 {
		if IsVerboseLogging(ctx) {
			logger.WithFields(logrus.Fields{
				"channel": channel,
				"count":   messageCount,
			}).Info("Found new channel messages")
		} else {
			logger.WithField("channel", channel).Info("Found new channel messages")
		}
	} else {
		logger.WithField("channel", channel).Debug("No new channel messages found")
	}
}
