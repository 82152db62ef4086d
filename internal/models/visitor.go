package models

import "time"

// VisitorStatus is the service state of a visitor across the pipeline.
type VisitorStatus string

const (
	VisitorStatusUnassigned VisitorStatus = "unassigned"
	VisitorStatusQueued     VisitorStatus = "queued"
	VisitorStatusAssigned   VisitorStatus = "assigned"
	VisitorStatusClosed     VisitorStatus = "closed"
)

// Visitor is the durable identity behind a channel sender. One visitor per
// (project, channel kind, external id).
type Visitor struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	ChannelType string        `json:"channel_type"`
	ExternalID  string        `json:"external_id"`
	DisplayName string        `json:"display_name,omitempty"`
	AvatarURL   string        `json:"avatar_url,omitempty"`
	Status      VisitorStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Staff is a human agent who can be bound to waiting visitors.
type Staff struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	DisplayName    string     `json:"display_name"`
	IsActive       bool       `json:"is_active"`
	ServicePaused  bool       `json:"service_paused"`
	MaxConcurrent  int        `json:"max_concurrent"`
	LastAssignedAt *time.Time `json:"last_assigned_at,omitempty"`
}

// SessionStatus is the lifecycle state of a staff-visitor session.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
)

// Session binds an assigned visitor to the staff member serving them.
type Session struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	VisitorID string        `json:"visitor_id"`
	StaffID   string        `json:"staff_id"`
	Source    QueueSource   `json:"source"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	ClosedAt  *time.Time    `json:"closed_at,omitempty"`
}

// AssignmentRule is the per-project queue configuration row.
type AssignmentRule struct {
	ProjectID               string    `json:"project_id"`
	QueueWaitTimeoutMinutes int       `json:"queue_wait_timeout_minutes"`
	IsEnabled               bool      `json:"is_enabled"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}
