package wecom

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

// syncNotifyEvent is the only callback event the customer service API sends
// for new messages. It carries no content, just permission to sync.
const syncNotifyEvent = "kf_msg_or_event"

// callbackEnvelope is the outer XML of every encrypted WeCom callback.
type callbackEnvelope struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// SyncEvent is a decrypted message notification. The token authorizes the
// next sync_msg call for the named customer service account.
type SyncEvent struct {
	Token    string
	OpenKfID string
}

// DecodeEnvelope extracts the encrypted payload from a callback body.
func DecodeEnvelope(body []byte) (string, error) {
	var envelope callbackEnvelope
	if err := xml.Unmarshal(body, &envelope); err != nil {
		return "", fmt.Errorf("failed to parse callback envelope: %w", err)
	}
	if envelope.Encrypt == "" {
		return "", fmt.Errorf("callback envelope has no encrypted payload")
	}
	return envelope.Encrypt, nil
}

// ParseSyncEvent reads a decrypted callback event. Events other than message
// notifications return nil so the handler can acknowledge and ignore them.
func ParseSyncEvent(plain []byte) (*SyncEvent, error) {
	var event struct {
		XMLName  xml.Name `xml:"xml"`
		MsgType  string   `xml:"MsgType"`
		Event    string   `xml:"Event"`
		Token    string   `xml:"Token"`
		OpenKfID string   `xml:"OpenKfId"`
	}
	if err := xml.Unmarshal(plain, &event); err != nil {
		return nil, fmt.Errorf("failed to parse callback event: %w", err)
	}

	if event.MsgType != "event" || event.Event != syncNotifyEvent {
		return nil, nil
	}
	if event.Token == "" {
		return nil, fmt.Errorf("message notification has no sync token")
	}

	return &SyncEvent{Token: event.Token, OpenKfID: event.OpenKfID}, nil
}

// ExtractReplyContext recovers the reply handles from a stored sync item.
// Returns nil when the payload is missing or carries no usable handle.
func ExtractReplyContext(raw string) map[string]string {
	if raw == "" {
		return nil
	}

	var item struct {
		OpenKfID       string `json:"open_kfid"`
		ExternalUserID string `json:"external_userid"`
	}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil
	}
	if item.OpenKfID == "" && item.ExternalUserID == "" {
		return nil
	}

	reply := make(map[string]string)
	if item.OpenKfID != "" {
		reply["open_kfid"] = item.OpenKfID
	}
	if item.ExternalUserID != "" {
		reply["external_userid"] = item.ExternalUserID
	}
	return reply
}
