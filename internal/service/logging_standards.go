package service

// Logging Standards for DeskRelay
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the application.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldChannel    = "channel"
	LogFieldPlatformID = "platform_id"
	LogFieldMessageID  = "message_id"
	LogFieldRecordID   = "record_id"
	LogFieldProjectID  = "project_id"
	LogFieldVisitorID  = "visitor_id"
	LogFieldStaffID    = "staff_id"
	LogFieldSessionID  = "session_id"
	LogFieldEntryID    = "entry_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Message and queue fields
	LogFieldEvent       = "event"
	LogFieldMessageType = "message_type"
	LogFieldStatus      = "status"
	LogFieldSource      = "source"
	LogFieldUrgency     = "urgency"
	LogFieldPosition    = "position"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"

	// Error and debugging
	LogFieldErrorCode  = "error_code"
	LogFieldErrorType  = "error_type"
	LogFieldRetryCount = "retry_count"
	LogFieldAttempt    = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed information for diagnosing problems. Only use in development or verbose mode.
//   - Function entry/exit
//   - Variable values
//   - Detailed flow information
//   - Raw request/response data (sanitized)
//
// INFO: General information about application flow and key events.
//   - Application startup/shutdown
//   - Major state changes
//   - Successful operations
//   - Configuration loaded
//   - Services started/stopped
//
// WARN: Something unexpected happened, but the application can continue.
//   - Retryable errors
//   - Fallback behavior used
//   - Configuration issues (using defaults)
//   - Rate limiting triggered
//   - External service temporarily unavailable
//
// ERROR: Error events that might still allow the application to continue.
//   - Failed operations
//   - External service errors
//   - Data validation failures
//   - Authentication failures
//
// FATAL: Very severe error events that will presumably lead the application to abort.
//   - Configuration required for startup is missing
//   - Critical resources unavailable
//   - Database connection failed and cannot be recovered

// Standard Log Message Patterns
//
// Use these patterns for consistent messaging:
//
// Starting operations: "Starting [operation]"
// Completed operations: "Completed [operation]" or "[Operation] completed successfully"
// Failed operations: "Failed to [operation]"
// Retrying operations: "Retrying [operation] (attempt X/Y)"
// Skipping operations: "Skipping [operation]: [reason]"
// Configuration: "Loaded [config type] configuration" / "Using default [setting]"
// External services: "[Service] request completed" / "Failed to connect to [service]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldChannel:   "dingtalk",
//     LogFieldMessageID: messageID,
//     LogFieldStatus:    "pending",
// }).Info("Staged incoming message")
//
// logger.WithFields(logrus.Fields{
//     LogFieldService:   "responder",
//     LogFieldOperation: "dispatch",
//     LogFieldDuration:  duration.Milliseconds(),
//     LogFieldAttempt:   retryCount,
// }).Debug("Dispatch attempt completed")
