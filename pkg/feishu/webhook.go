package feishu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"deskrelay/internal/models"
)

// messageReceiveEvent is the only event type the relay stages.
const messageReceiveEvent = "im.message.receive_v1"

type eventBody struct {
	Schema string `json:"schema"`
	Header struct {
		EventID    string `json:"event_id"`
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		Token      string `json:"token"`
		AppID      string `json:"app_id"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			CreateTime  string `json:"create_time"`
			ChatID      string `json:"chat_id"`
			ChatType    string `json:"chat_type"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// DecodeEvent unwraps the encrypted envelope when there is one. Plaintext
// events pass through untouched, which is how Feishu delivers them before
// encryption is switched on for the app.
func DecodeEvent(body []byte, encryptKey string) ([]byte, error) {
	var probe struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Encrypt == "" {
		return body, nil
	}
	if encryptKey == "" {
		return nil, fmt.Errorf("received an encrypted event without an encrypt key configured")
	}
	return Decrypt(encryptKey, probe.Encrypt)
}

// ChallengeResponse answers the url_verification handshake. The bool reports
// whether the body was a handshake at all.
func ChallengeResponse(body []byte) (string, bool) {
	var probe struct {
		Challenge string `json:"challenge"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	if probe.Type != "url_verification" {
		return "", false
	}
	return probe.Challenge, true
}

// EventToken returns the verification token an event was sent with, for apps
// that run without callback encryption.
func EventToken(body []byte) string {
	var evt eventBody
	if err := json.Unmarshal(body, &evt); err != nil {
		return ""
	}
	return evt.Header.Token
}

// ParseMessage turns a decoded message event into an inbox record. Events of
// other types yield nil so the handler can acknowledge them without staging.
func ParseMessage(body []byte) (*models.InboxRecord, error) {
	var evt eventBody
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("failed to parse feishu event: %w", err)
	}
	if evt.Header.EventType != messageReceiveEvent {
		return nil, nil
	}

	msg := evt.Event.Message
	if msg.MessageID == "" {
		return nil, fmt.Errorf("feishu message event has no message_id")
	}

	rec := &models.InboxRecord{
		Channel:    models.ChannelFeishu,
		MessageID:  msg.MessageID,
		FromUser:   evt.Event.Sender.SenderID.OpenID,
		MsgType:    msg.MessageType,
		Content:    messageText(msg.MessageType, msg.Content),
		RawPayload: string(body),
	}
	if ms, err := strconv.ParseInt(msg.CreateTime, 10, 64); err == nil && ms > 0 {
		at := time.UnixMilli(ms)
		rec.ReceivedAt = &at
	}

	return rec, nil
}

// messageText flattens the nested content JSON. Text messages carry their
// body in a "text" field; everything else becomes a typed placeholder so the
// responder still sees that the visitor sent something.
func messageText(messageType, content string) string {
	switch messageType {
	case "text":
		var text struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(content), &text); err == nil {
			return text.Text
		}
		return content
	case "image":
		var img struct {
			ImageKey string `json:"image_key"`
		}
		if err := json.Unmarshal([]byte(content), &img); err == nil && img.ImageKey != "" {
			return "[image] " + img.ImageKey
		}
	}
	return "[" + messageType + "]"
}

// ExtractReplyContext pulls the reply handles back out of a staged payload.
func ExtractReplyContext(rawPayload string) map[string]string {
	if rawPayload == "" {
		return nil
	}

	var evt eventBody
	if err := json.Unmarshal([]byte(rawPayload), &evt); err != nil {
		return nil
	}

	reply := make(map[string]string)
	if evt.Event.Message.ChatID != "" {
		reply["chat_id"] = evt.Event.Message.ChatID
	}
	if evt.Event.Message.ChatType != "" {
		reply["chat_type"] = evt.Event.Message.ChatType
	}
	if evt.Event.Message.MessageID != "" {
		reply["message_id"] = evt.Event.Message.MessageID
	}
	if evt.Event.Sender.SenderID.OpenID != "" {
		reply["open_id"] = evt.Event.Sender.SenderID.OpenID
	}

	return reply
}
