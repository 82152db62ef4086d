package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// Client replies to DingTalk bot conversations. Replies go to the session
// webhook the inbound message carried, so the client itself holds no
// credentials.
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewClient(httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &Client{
		httpClient: httpClient,
		logger:     logger,
	}
}

// SendReply posts a text reply on the session webhook of the originating
// message. Session webhooks expire a few minutes after the inbound message;
// an expired webhook is an error so callers do not post into the void.
func (c *Client) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	webhook := msg.ReplyContext["session_webhook"]
	if webhook == "" {
		return fmt.Errorf("dingtalk message %s has no session webhook", msg.MessageID)
	}

	if raw := msg.ReplyContext["session_webhook_expired_time"]; raw != "" {
		expiresAt, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && time.Now().UnixMilli() > expiresAt {
			return fmt.Errorf("dingtalk session webhook expired at %s", time.UnixMilli(expiresAt).Format(time.RFC3339))
		}
	}

	payload := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": text,
		},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", webhook, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("dingtalk API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.ErrCode != 0 {
		return fmt.Errorf("dingtalk API error %d: %s", result.ErrCode, result.ErrMsg)
	}

	c.logger.WithField("conversation", msg.ReplyContext["conversation_id"]).Debug("DingTalk reply sent")

	return nil
}
