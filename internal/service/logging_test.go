package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsVerboseLogging(t *testing.T) {
	assert.False(t, IsVerboseLogging(context.Background()))

	verbose := context.WithValue(context.Background(), VerboseContextKey, true)
	assert.True(t, IsVerboseLogging(verbose))

	quiet := context.WithValue(context.Background(), VerboseContextKey, false)
	assert.False(t, IsVerboseLogging(quiet))
}

func TestSanitizeMessageID(t *testing.T) {
	tests := []struct {
		name     string
		msgID    string
		expected string
	}{
		{
			name:     "empty ID",
			msgID:    "",
			expected: "",
		},
		{
			name:     "short vendor ID kept",
			msgID:    "msg-01",
			expected: "msg-01",
		},
		{
			name:     "long vendor ID truncated",
			msgID:    "msgToken4411889900",
			expected: "msgToken...",
		},
		{
			name:     "mail message ID keeps its domain",
			msgID:    "<abc123@mail.example.test>",
			expected: "<******@mail.example.test>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeMessageID(tt.msgID))
		})
	}
}

func TestSanitizeUserID(t *testing.T) {
	masked := SanitizeUserID("dd-user-778899")
	assert.True(t, strings.HasSuffix(masked, "8899"))
	assert.NotContains(t, masked, "dd-user")

	// Mail senders keep their domain
	assert.Equal(t, "d***@example.test", SanitizeUserID("dana@example.test"))
}

func TestSanitizeContent(t *testing.T) {
	assert.Equal(t, "", SanitizeContent(""))
	assert.Equal(t, "[hidden]", SanitizeContent("my order number is 8812"))
}

func TestLoggingValidators(t *testing.T) {
	t.Run("message IDs", func(t *testing.T) {
		assert.NoError(t, ValidateMessageID("msgToken4411"))
		assert.Error(t, ValidateMessageID(""))
		assert.Error(t, ValidateMessageID("bad\nid"))
		assert.Error(t, ValidateMessageID(strings.Repeat("a", 300)))
	})

	t.Run("platform IDs", func(t *testing.T) {
		assert.NoError(t, ValidatePlatformID("bot-main_01"))
		assert.Error(t, ValidatePlatformID(""))
		assert.Error(t, ValidatePlatformID("bot main"))
	})
}
