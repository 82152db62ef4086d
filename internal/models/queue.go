package models

import "time"

// WaitingStatus is the waiting queue entry lifecycle state.
type WaitingStatus string

const (
	WaitingStatusWaiting   WaitingStatus = "waiting"
	WaitingStatusAssigned  WaitingStatus = "assigned"
	WaitingStatusCancelled WaitingStatus = "cancelled"
	WaitingStatusExpired   WaitingStatus = "expired"
)

// QueueSource records which path put the visitor into the queue.
type QueueSource string

const (
	QueueSourceAIRequest QueueSource = "ai_request"
	QueueSourceVisitor   QueueSource = "visitor"
	QueueSourceTransfer  QueueSource = "transfer"
	QueueSourceSystem    QueueSource = "system"
	QueueSourceNoStaff   QueueSource = "no_staff"
)

// QueueUrgency is an informational classification, separate from priority.
type QueueUrgency string

const (
	QueueUrgencyLow    QueueUrgency = "low"
	QueueUrgencyNormal QueueUrgency = "normal"
	QueueUrgencyHigh   QueueUrgency = "high"
	QueueUrgencyUrgent QueueUrgency = "urgent"
)

// WaitingQueueEntry is one visitor waiting for (or already routed to) a
// human staff member. Position is a monotonic insertion counter within the
// project; sweeps order by (priority desc, position asc).
type WaitingQueueEntry struct {
	ID              string        `json:"id"`
	ProjectID       string        `json:"project_id"`
	VisitorID       string        `json:"visitor_id"`
	SessionID       string        `json:"session_id,omitempty"`
	ChannelID       string        `json:"channel_id,omitempty"`
	ChannelType     string        `json:"channel_type,omitempty"`
	Source          QueueSource   `json:"source"`
	Urgency         QueueUrgency  `json:"urgency"`
	Priority        int           `json:"priority"`
	Position        int           `json:"position"`
	Status          WaitingStatus `json:"status"`
	Reason          string        `json:"reason,omitempty"`
	AttemptCount    int           `json:"attempt_count"`
	LastAttemptAt   *time.Time    `json:"last_attempt_at,omitempty"`
	EnteredAt       time.Time     `json:"entered_at"`
	AssignedAt      *time.Time    `json:"assigned_at,omitempty"`
	ExitedAt        *time.Time    `json:"exited_at,omitempty"`
	ExpiredAt       *time.Time    `json:"expired_at,omitempty"`
	AssignedStaffID string        `json:"assigned_staff_id,omitempty"`
}

// WaitDuration reports how long the entry has been (or was) queued.
func (e *WaitingQueueEntry) WaitDuration(now time.Time) time.Duration {
	end := now
	if e.ExitedAt != nil {
		end = *e.ExitedAt
	} else if e.AssignedAt != nil {
		end = *e.AssignedAt
	}
	return end.Sub(e.EnteredAt)
}

// IsExpired reports whether the entry has been timed out. ExpiredAt is only
// stamped when an entry actually expires.
func (e *WaitingQueueEntry) IsExpired(now time.Time) bool {
	return e.ExpiredAt != nil && !now.Before(*e.ExpiredAt)
}

// AssignmentResult is the explicit outcome of one assignment attempt.
// NoStaff is an expected, common result and is never reported as an error.
type AssignmentResult struct {
	Success         bool   `json:"success"`
	NoStaff         bool   `json:"no_staff,omitempty"`
	AssignedStaffID string `json:"assigned_staff_id,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	Message         string `json:"message,omitempty"`
}

// EnqueueResult is the outcome of trying to put a visitor into the queue.
type EnqueueResult struct {
	Success        bool               `json:"success"`
	AlreadyInQueue bool               `json:"already_in_queue,omitempty"`
	CannotEnter    bool               `json:"cannot_enter,omitempty"`
	CurrentStatus  string             `json:"current_status,omitempty"`
	Position       int                `json:"position,omitempty"`
	Entry          *WaitingQueueEntry `json:"entry,omitempty"`
	Assignment     *AssignmentResult  `json:"assignment,omitempty"`
	Message        string             `json:"message,omitempty"`
}

// QueueFilter narrows queue list queries.
type QueueFilter struct {
	ProjectID string
	VisitorID string
	Status    WaitingStatus
	Source    QueueSource
	Urgency   QueueUrgency
	Limit     int
	Offset    int
}

// QueueCounts summarizes a project's queue for operators.
type QueueCounts struct {
	Waiting  int `json:"waiting"`
	Assigned int `json:"assigned"`
	Total    int `json:"total"`
}
