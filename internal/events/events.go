package events

import (
	"time"

	"github.com/google/uuid"
)

// Event type names double as AMQP routing keys.
const (
	TypeQueueEntered   = "queue.entered.v1"
	TypeQueueAssigned  = "queue.assigned.v1"
	TypeQueueCancelled = "queue.cancelled.v1"
	TypeQueueExpired   = "queue.expired.v1"
)

const producerName = "deskrelay"

// Meta carries the event identity and correlation fields.
type Meta struct {
	// Unique event ID
	ID string `json:"id"`
	// Event name and version, e.g. queue.entered.v1
	Type string `json:"type"`
	// Emitting service
	Producer string `json:"producer"`
	// Trace / request correlation ID
	CorrelationID *string `json:"correlation_id,omitempty"`
	// Timestamp when the event was emitted
	Time time.Time `json:"time"`
}

// Envelope is the wire format for every published event.
type Envelope struct {
	Meta Meta        `json:"meta"`
	Data interface{} `json:"data"`
}

// NewEnvelope wraps data in an envelope with a fresh event ID.
func NewEnvelope(eventType string, data interface{}) Envelope {
	return Envelope{
		Meta: Meta{
			ID:       uuid.NewString(),
			Type:     eventType,
			Producer: producerName,
			Time:     time.Now().UTC(),
		},
		Data: data,
	}
}

// QueueEntered is emitted when a visitor joins the waiting queue.
type QueueEntered struct {
	EntryID   string `json:"entry_id"`
	ProjectID string `json:"project_id"`
	VisitorID string `json:"visitor_id"`
	Source    string `json:"source"`
	Urgency   string `json:"urgency"`
	Priority  int    `json:"priority"`
	Position  int    `json:"position"`
}

// QueueAssigned is emitted when a queue entry is claimed for a staff member.
type QueueAssigned struct {
	EntryID   string `json:"entry_id"`
	ProjectID string `json:"project_id"`
	VisitorID string `json:"visitor_id"`
	StaffID   string `json:"staff_id"`
	SessionID string `json:"session_id"`
}

// QueueCancelled is emitted when a waiting entry is withdrawn.
type QueueCancelled struct {
	EntryID   string `json:"entry_id"`
	ProjectID string `json:"project_id"`
	VisitorID string `json:"visitor_id"`
	Reason    string `json:"reason,omitempty"`
}

// QueueExpired is emitted when a waiting entry times out.
type QueueExpired struct {
	EntryID   string `json:"entry_id"`
	ProjectID string `json:"project_id"`
	VisitorID string `json:"visitor_id"`
}
