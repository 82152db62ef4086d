package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"deskrelay/internal/models"
)

// signatureSkew is how far a callback timestamp may drift from our clock.
// DingTalk rejects its own callbacks after one hour, so we mirror that.
const signatureSkew = time.Hour

// botMessage is the DingTalk bot callback payload, reduced to the fields the
// relay uses.
type botMessage struct {
	MsgID                     string `json:"msgId"`
	MsgType                   string `json:"msgtype"`
	CreateAt                  int64  `json:"createAt"`
	ConversationID            string `json:"conversationId"`
	ConversationType          string `json:"conversationType"`
	SenderID                  string `json:"senderId"`
	SenderStaffID             string `json:"senderStaffId"`
	SenderNick                string `json:"senderNick"`
	SessionWebhook            string `json:"sessionWebhook"`
	SessionWebhookExpiredTime int64  `json:"sessionWebhookExpiredTime"`
	Text                      struct {
		Content string `json:"content"`
	} `json:"text"`
}

// VerifySignature checks the HMAC signature DingTalk sends with every bot
// callback. The string to sign is "timestamp\nappSecret", keyed with the app
// secret itself.
func VerifySignature(timestamp, appSecret, signature string) error {
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp: %w", err)
	}

	drift := time.Since(time.UnixMilli(ms))
	if drift > signatureSkew || drift < -signatureSkew {
		return fmt.Errorf("signature timestamp outside the allowed window")
	}

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write([]byte(timestamp + "\n" + appSecret))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}

	return nil
}

// ParseMessage turns a bot callback body into an inbox record. The caller
// fills in the platform ID; the raw body is kept so the reply handles can be
// re-extracted when the record is consumed.
func ParseMessage(body []byte) (*models.InboxRecord, error) {
	var msg botMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse dingtalk message: %w", err)
	}
	if msg.MsgID == "" {
		return nil, fmt.Errorf("dingtalk message has no msgId")
	}

	sender := msg.SenderStaffID
	if sender == "" {
		sender = msg.SenderID
	}

	content := strings.TrimSpace(msg.Text.Content)
	if content == "" && msg.MsgType != "" && msg.MsgType != "text" {
		content = "[" + msg.MsgType + "]"
	}

	rec := &models.InboxRecord{
		Channel:    models.ChannelDingTalk,
		MessageID:  msg.MsgID,
		FromUser:   sender,
		SenderName: msg.SenderNick,
		MsgType:    msg.MsgType,
		Content:    content,
		RawPayload: string(body),
	}
	if msg.CreateAt > 0 {
		at := time.UnixMilli(msg.CreateAt)
		rec.ReceivedAt = &at
	}

	return rec, nil
}

// ExtractReplyContext pulls the reply handles back out of a staged payload.
// A payload that does not parse yields no context rather than an error; the
// reply path reports the missing webhook itself.
func ExtractReplyContext(rawPayload string) map[string]string {
	if rawPayload == "" {
		return nil
	}

	var msg botMessage
	if err := json.Unmarshal([]byte(rawPayload), &msg); err != nil {
		return nil
	}

	reply := make(map[string]string)
	if msg.SessionWebhook != "" {
		reply["session_webhook"] = msg.SessionWebhook
	}
	if msg.SessionWebhookExpiredTime > 0 {
		reply["session_webhook_expired_time"] = strconv.FormatInt(msg.SessionWebhookExpiredTime, 10)
	}
	if msg.ConversationID != "" {
		reply["conversation_id"] = msg.ConversationID
	}
	if msg.SenderStaffID != "" {
		reply["sender_staff_id"] = msg.SenderStaffID
	}

	return reply
}
