package privacy

import (
	"strings"
)

// MaskEmailAddress masks an email address keeping the first character of the
// local part and the full domain
// Example: "john.doe@example.com" -> "j*******@example.com"
func MaskEmailAddress(addr string) string {
	if addr == "" {
		return ""
	}

	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		// Not an address, mask like an opaque identifier
		return maskString(addr, 4)
	}

	local := addr[:at]
	domain := addr[at:]

	if len(local) == 1 {
		return "*" + domain
	}
	return local[:1] + strings.Repeat("*", len(local)-1) + domain
}

// MaskUserID masks a vendor user identifier showing only the last 4 characters
// Example: "wmAJ2GCAAAme1XQcUArSpEXjbXAZpX1Q" -> "****************************pX1Q"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}

	// Email channels carry addresses in the user field
	if strings.Contains(userID, "@") {
		return MaskEmailAddress(userID)
	}

	return maskString(userID, 4)
}

// MaskMessageID masks a message ID while preserving some structure for debugging
// Example: "<CAF8lz9W@mail.example.com>" -> "<********@mail.example.com>"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	// RFC 5322 message IDs keep their domain part so mail threads stay traceable
	if strings.HasPrefix(messageID, "<") && strings.Contains(messageID, "@") {
		at := strings.LastIndex(messageID, "@")
		local := messageID[1:at]
		rest := messageID[at:]
		return "<" + strings.Repeat("*", len(local)) + rest
	}

	// Vendor message IDs are opaque, show last 8 characters
	return maskString(messageID, 8)
}

// MaskPlatformID masks a platform identity showing only the last 4 characters
func MaskPlatformID(platformID string) string {
	if platformID == "" {
		return ""
	}
	return maskString(platformID, 4)
}

// MaskVisitorID masks a visitor external identifier
func MaskVisitorID(externalID string) string {
	if externalID == "" {
		return ""
	}

	if strings.Contains(externalID, "@") {
		return MaskEmailAddress(externalID)
	}

	return maskString(externalID, 4)
}

// MaskSecret fully masks a credential, keeping only its length hint
// Example: "sk-abc123" -> "*********"
func MaskSecret(secret string) string {
	return strings.Repeat("*", len(secret))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		switch k {
		case "from_user", "fromUser", "from", "to", "email":
			if s, ok := v.(string); ok {
				masked[k] = MaskUserID(s)
			} else {
				masked[k] = v
			}
		case "message_id", "messageId", "msg_id":
			if s, ok := v.(string); ok {
				masked[k] = MaskMessageID(s)
			} else {
				masked[k] = v
			}
		case "external_id", "externalId", "visitor_id", "visitorId":
			if s, ok := v.(string); ok {
				masked[k] = MaskVisitorID(s)
			} else {
				masked[k] = v
			}
		case "secret", "token", "password", "api_key", "apiKey":
			if s, ok := v.(string); ok {
				masked[k] = MaskSecret(s)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
