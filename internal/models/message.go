package models

import "time"

// CanonicalMessage is the normalized, channel agnostic form handed to the
// responder. ReplyContext carries whatever the channel needs later to send
// the answer back (session webhook, reply message id, sender address).
type CanonicalMessage struct {
	RecordID     string            `json:"record_id"`
	Channel      ChannelKind       `json:"channel"`
	PlatformID   string            `json:"platform_id"`
	ProjectID    string            `json:"project_id"`
	MessageID    string            `json:"message_id"`
	FromUser     string            `json:"from_user"`
	SenderName   string            `json:"sender_name,omitempty"`
	MsgType      string            `json:"msg_type"`
	Content      string            `json:"content"`
	ReceivedAt   *time.Time        `json:"received_at,omitempty"`
	Visitor      *VisitorHandle    `json:"visitor,omitempty"`
	ReplyContext map[string]string `json:"reply_context,omitempty"`
}

// VisitorHandle is the resolved identity behind a message sender.
type VisitorHandle struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ResponderResult is what the responder decided for one canonical message.
// Handoff set means the visitor should be queued for a human; Reply may
// still carry a courtesy text to send before the handoff.
type ResponderResult struct {
	Reply         string `json:"reply"`
	Handoff       bool   `json:"handoff"`
	HandoffReason string `json:"handoff_reason,omitempty"`
}
