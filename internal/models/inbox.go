package models

import "time"

// ChannelKind identifies one supported inbound channel family.
type ChannelKind string

const (
	ChannelDingTalk ChannelKind = "dingtalk"
	ChannelFeishu   ChannelKind = "feishu"
	ChannelWecom    ChannelKind = "wecom"
	ChannelEmail    ChannelKind = "email"
)

// AllChannelKinds lists every channel kind with its own inbox ledger table.
func AllChannelKinds() []ChannelKind {
	return []ChannelKind{ChannelDingTalk, ChannelFeishu, ChannelWecom, ChannelEmail}
}

// InboxStatus is the ledger record lifecycle state.
type InboxStatus string

const (
	InboxStatusPending    InboxStatus = "pending"
	InboxStatusProcessing InboxStatus = "processing"
	InboxStatusCompleted  InboxStatus = "completed"
	InboxStatusFailed     InboxStatus = "failed"
)

// InboxRecord is one durably staged inbound message. Every channel kind
// stores the same shape; channel specific context (reply handles,
// conversation ids) lives inside RawPayload and is re-extracted when the
// record is consumed.
type InboxRecord struct {
	ID           string
	Channel      ChannelKind
	PlatformID   string
	MessageID    string
	FromUser     string
	SenderName   string
	MsgType      string
	Content      string
	RawPayload   string
	AIReply      string
	Status       InboxStatus
	ErrorMessage string
	RetryCount   int
	ReceivedAt   *time.Time
	FetchedAt    time.Time
	ProcessedAt  *time.Time
}

// InsertOutcome reports what an idempotent ledger insert did.
type InsertOutcome int

const (
	InsertStored InsertOutcome = iota
	InsertDuplicate
)
