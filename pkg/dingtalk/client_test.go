package dingtalk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"deskrelay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyMessage(webhook string) *models.CanonicalMessage {
	return &models.CanonicalMessage{
		Channel:    models.ChannelDingTalk,
		PlatformID: "bot-01",
		MessageID:  "msg-001",
		FromUser:   "wm_user_8839",
		ReplyContext: map[string]string{
			"session_webhook": webhook,
		},
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient(nil, nil)
	assert.NotNil(t, client.httpClient)
	assert.NotNil(t, client.logger)
}

func TestClient_SendReply(t *testing.T) {
	ctx := context.Background()

	t.Run("posts the text on the session webhook", func(t *testing.T) {
		var gotBody map[string]interface{}
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			fmt.Fprint(w, `{"errcode": 0, "errmsg": "ok"}`)
		}))
		defer server.Close()

		client := NewClient(server.Client(), nil)
		err := client.SendReply(ctx, replyMessage(server.URL), "Restart the router and try again")

		require.NoError(t, err)
		assert.Equal(t, "text", gotBody["msgtype"])
		text, ok := gotBody["text"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "Restart the router and try again", text["content"])
	})

	t.Run("API error code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"errcode": 310000, "errmsg": "sign not match"}`)
		}))
		defer server.Close()

		client := NewClient(server.Client(), nil)
		err := client.SendReply(ctx, replyMessage(server.URL), "hello")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "310000")
		assert.Contains(t, err.Error(), "sign not match")
	})

	t.Run("HTTP error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		client := NewClient(server.Client(), nil)
		err := client.SendReply(ctx, replyMessage(server.URL), "hello")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "status 500")
	})

	t.Run("missing session webhook", func(t *testing.T) {
		client := NewClient(nil, nil)

		msg := replyMessage("")
		msg.ReplyContext = map[string]string{}

		err := client.SendReply(ctx, msg, "hello")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no session webhook")
	})

	t.Run("expired session webhook is not called", func(t *testing.T) {
		called := false
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer server.Close()

		msg := replyMessage(server.URL)
		msg.ReplyContext["session_webhook_expired_time"] = fmt.Sprintf("%d", time.Now().Add(-time.Minute).UnixMilli())

		client := NewClient(server.Client(), nil)
		err := client.SendReply(ctx, msg, "hello")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
		assert.False(t, called)
	})

	t.Run("webhook still inside its expiry window", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"errcode": 0, "errmsg": "ok"}`)
		}))
		defer server.Close()

		msg := replyMessage(server.URL)
		msg.ReplyContext["session_webhook_expired_time"] = fmt.Sprintf("%d", time.Now().Add(5*time.Minute).UnixMilli())

		client := NewClient(server.Client(), nil)
		err := client.SendReply(ctx, msg, "hello")

		assert.NoError(t, err)
	})
}
