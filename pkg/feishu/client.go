package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://open.feishu.cn"

// tokenExpiryBuffer renews the tenant token before Feishu invalidates it, so
// a reply never goes out with a token about to die mid-flight.
const tokenExpiryBuffer = 60 * time.Second

// Client sends messages through the Feishu open platform. Tenant access
// tokens are cached until shortly before their expiry.
type Client struct {
	appID       string
	appSecret   string
	baseURL     string
	httpClient  *http.Client
	logger      *logrus.Logger
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg models.FeishuConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		appID:      cfg.AppID,
		appSecret:  cfg.AppSecret,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SendReply sends a text message back into the chat the inbound message came
// from, falling back to a direct message to the sender when the chat handle
// is gone.
func (c *Client) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	receiveID := msg.ReplyContext["chat_id"]
	receiveIDType := "chat_id"
	if receiveID == "" {
		receiveID = msg.ReplyContext["open_id"]
		receiveIDType = "open_id"
	}
	if receiveID == "" {
		return fmt.Errorf("feishu message %s has no chat or sender to reply to", msg.MessageID)
	}

	token, err := c.tenantToken(ctx)
	if err != nil {
		return err
	}

	content, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("failed to marshal reply content: %w", err)
	}
	payload := map[string]string{
		"receive_id": receiveID,
		"msg_type":   "text",
		"content":    string(content),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	endpoint := fmt.Sprintf("%s/open-apis/im/v1/messages?receive_id_type=%s", c.baseURL, receiveIDType)
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("feishu API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Code != 0 {
		return fmt.Errorf("feishu API error %d: %s", result.Code, result.Msg)
	}

	c.logger.WithField("chat", receiveID).Debug("Feishu reply sent")

	return nil
}

// tenantToken returns a valid tenant access token, renewing it when the
// cached one is gone or about to expire.
func (c *Client) tenantToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	payload := map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	endpoint := c.baseURL + "/open-apis/auth/v3/tenant_access_token/internal"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request tenant token: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.Code != 0 {
		return "", fmt.Errorf("feishu token error %d: %s", result.Code, result.Msg)
	}

	c.token = result.TenantAccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.Expire)*time.Second - tokenExpiryBuffer)

	return c.token, nil
}
