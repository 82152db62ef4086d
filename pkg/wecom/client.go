package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

const defaultBaseURL = "https://qyapi.weixin.qq.com"

// tokenExpiryBuffer renews the access token before WeCom invalidates it.
const tokenExpiryBuffer = 60 * time.Second

const (
	syncBatchLimit = 500
	maxSyncPages   = 10
)

// originVisitor marks messages the external customer sent. The same stream
// also echoes staff replies and system events, which must not be re-staged.
const originVisitor = 3

// Client talks to the WeCom customer service API. Message content is pull
// based: callbacks only announce activity and SyncMessages drains the stream
// with cursor paging. Access tokens are cached until shortly before expiry.
type Client struct {
	corpID      string
	secret      string
	openKfID    string
	baseURL     string
	httpClient  *http.Client
	logger      *logrus.Logger
	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg models.WecomConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
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
		corpID:     cfg.CorpID,
		secret:     cfg.Secret,
		openKfID:   cfg.OpenKfID,
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

type syncItem struct {
	MsgID          string `json:"msgid"`
	OpenKfID       string `json:"open_kfid"`
	ExternalUserID string `json:"external_userid"`
	SendTime       int64  `json:"send_time"`
	Origin         int    `json:"origin"`
	MsgType        string `json:"msgtype"`
	Text           struct {
		Content string `json:"content"`
	} `json:"text"`
	Image struct {
		MediaID string `json:"media_id"`
	} `json:"image"`
}

// SyncMessages pulls everything newer than the cursor and returns the cursor
// to store for the next pull. The token comes from the webhook notification
// and may be empty for interval pulls. Staff echoes and system events in the
// stream are dropped, only customer messages come back as records.
func (c *Client) SyncMessages(ctx context.Context, cursor, token string) ([]*models.InboxRecord, string, error) {
	accessToken, err := c.accessToken(ctx)
	if err != nil {
		return nil, cursor, err
	}

	next := cursor
	var records []*models.InboxRecord

	for page := 0; page < maxSyncPages; page++ {
		payload := struct {
			Cursor string `json:"cursor,omitempty"`
			Token  string `json:"token,omitempty"`
			Limit  int    `json:"limit"`
		}{Cursor: next, Token: token, Limit: syncBatchLimit}

		jsonData, err := json.Marshal(payload)
		if err != nil {
			return records, next, fmt.Errorf("failed to marshal sync request: %w", err)
		}

		endpoint := fmt.Sprintf("%s/cgi-bin/kf/sync_msg?access_token=%s", c.baseURL, url.QueryEscape(accessToken))
		req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
		if err != nil {
			return records, next, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return records, next, fmt.Errorf("failed to sync messages: %w", err)
		}

		var result struct {
			Errcode    int               `json:"errcode"`
			Errmsg     string            `json:"errmsg"`
			NextCursor string            `json:"next_cursor"`
			HasMore    int               `json:"has_more"`
			MsgList    []json.RawMessage `json:"msg_list"`
		}
		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return records, next, fmt.Errorf("wecom API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
		}
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			resp.Body.Close()
			return records, next, fmt.Errorf("failed to decode sync response: %w", err)
		}
		resp.Body.Close()

		if result.Errcode != 0 {
			return records, next, fmt.Errorf("wecom API error %d: %s", result.Errcode, result.Errmsg)
		}

		for _, raw := range result.MsgList {
			var item syncItem
			if err := json.Unmarshal(raw, &item); err != nil {
				c.logger.WithError(err).Warn("Skipping unparseable WeCom message")
				continue
			}
			if item.MsgID == "" || item.Origin != originVisitor {
				continue
			}
			records = append(records, c.recordFromItem(item, raw))
		}

		if result.NextCursor != "" {
			next = result.NextCursor
		}
		if result.HasMore == 0 {
			break
		}
	}

	return records, next, nil
}

func (c *Client) recordFromItem(item syncItem, raw json.RawMessage) *models.InboxRecord {
	var content string
	switch item.MsgType {
	case "text":
		content = item.Text.Content
	case "image":
		content = "[image] " + item.Image.MediaID
	default:
		content = "[" + item.MsgType + "]"
	}

	platformID := item.OpenKfID
	if platformID == "" {
		platformID = c.openKfID
	}

	record := &models.InboxRecord{
		Channel:    models.ChannelWecom,
		PlatformID: platformID,
		MessageID:  item.MsgID,
		FromUser:   item.ExternalUserID,
		MsgType:    item.MsgType,
		Content:    content,
		RawPayload: string(raw),
	}
	if item.SendTime > 0 {
		receivedAt := time.Unix(item.SendTime, 0)
		record.ReceivedAt = &receivedAt
	}
	return record
}

// SendReply sends a text message back to the customer through the customer
// service account the inbound message arrived on.
func (c *Client) SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error {
	toUser := msg.ReplyContext["external_userid"]
	if toUser == "" {
		toUser = msg.FromUser
	}
	if toUser == "" {
		return fmt.Errorf("wecom message %s has no recipient", msg.MessageID)
	}

	openKfID := msg.ReplyContext["open_kfid"]
	if openKfID == "" {
		openKfID = c.openKfID
	}

	accessToken, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"touser":    toUser,
		"open_kfid": openKfID,
		"msgtype":   "text",
		"text":      map[string]string{"content": text},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/kf/send_msg?access_token=%s", c.baseURL, url.QueryEscape(accessToken))
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
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
		return fmt.Errorf("wecom API error: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Errcode int    `json:"errcode"`
		Errmsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if result.Errcode != 0 {
		return fmt.Errorf("wecom API error %d: %s", result.Errcode, result.Errmsg)
	}

	c.logger.WithField("recipient", toUser).Debug("WeCom reply sent")

	return nil
}

// accessToken returns a valid API access token, renewing it when the cached
// one is gone or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	endpoint := fmt.Sprintf("%s/cgi-bin/gettoken?corpid=%s&corpsecret=%s",
		c.baseURL, url.QueryEscape(c.corpID), url.QueryEscape(c.secret))
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request access token: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Errcode     int    `json:"errcode"`
		Errmsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.Errcode != 0 {
		return "", fmt.Errorf("wecom token error %d: %s", result.Errcode, result.Errmsg)
	}

	c.token = result.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenExpiryBuffer)

	return c.token, nil
}
