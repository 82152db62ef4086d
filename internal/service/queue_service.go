package service

import (
	"context"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/errors"
	"deskrelay/internal/events"
	"deskrelay/internal/metrics"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// QueueServiceInterface defines the waiting queue operations exposed to
// transports and background sweeps.
type QueueServiceInterface interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*models.EnqueueResult, error)
	Assign(ctx context.Context, entryID string) (*models.AssignmentResult, error)
	Accept(ctx context.Context, projectID, visitorID, staffID string) (*models.AssignmentResult, error)
	Cancel(ctx context.Context, entryID, reason string) (bool, error)
	Expire(ctx context.Context, entry *models.WaitingQueueEntry) (bool, error)
	Get(ctx context.Context, entryID string) (*models.WaitingQueueEntry, int, error)
	List(ctx context.Context, filter models.QueueFilter) ([]*models.WaitingQueueEntry, error)
	Counts(ctx context.Context, projectID string) (*models.QueueCounts, error)
	CloseSession(ctx context.Context, sessionID string) (*models.Session, bool, error)
}

// QueueDatabaseService defines the database operations needed by QueueService
type QueueDatabaseService interface {
	EnqueueWaiting(ctx context.Context, entry *models.WaitingQueueEntry) (*models.WaitingQueueEntry, error)
	GetQueueEntry(ctx context.Context, id string) (*models.WaitingQueueEntry, error)
	ActiveQueueEntry(ctx context.Context, projectID, visitorID string) (*models.WaitingQueueEntry, error)
	AssignWaitingEntry(ctx context.Context, entry *models.WaitingQueueEntry, staffID string) (string, bool, error)
	MarkQueueCancelled(ctx context.Context, id, reason string) (bool, error)
	MarkQueueExpired(ctx context.Context, id string) (bool, error)
	RecordAssignmentAttempt(ctx context.Context, id string) error
	QueueStatusCounts(ctx context.Context, projectID string) (*models.QueueCounts, error)
	WaitingAhead(ctx context.Context, entry *models.WaitingQueueEntry) (int, error)
	ListQueueEntries(ctx context.Context, filter models.QueueFilter) ([]*models.WaitingQueueEntry, error)
	GetVisitor(ctx context.Context, id string) (*models.Visitor, error)
	UpdateVisitorStatus(ctx context.Context, id string, status models.VisitorStatus) error
	GetStaff(ctx context.Context, id string) (*models.Staff, error)
	GetAssignmentRule(ctx context.Context, projectID string) (*models.AssignmentRule, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CloseSession(ctx context.Context, id string) (bool, error)
}

// StaffLocatorService picks the next staff member for a project
type StaffLocatorService interface {
	Locate(ctx context.Context, projectID string) (*models.Staff, error)
}

// EnqueueRequest carries everything needed to put a visitor into the queue.
type EnqueueRequest struct {
	ProjectID   string
	VisitorID   string
	ChannelID   string
	ChannelType string
	Source      models.QueueSource
	Urgency     models.QueueUrgency
	Priority    int
	Reason      string
	// SkipImmediateAttempt suppresses the assignment attempt that normally
	// follows a successful enqueue. Sweeps will pick the entry up instead.
	SkipImmediateAttempt bool
}

// QueueService owns the waiting queue lifecycle: visitors enter, sweeps and
// staff actions bind them to sessions, and entries that never get served are
// cancelled or expired.
type QueueService struct {
	db                    QueueDatabaseService
	locator               StaffLocatorService
	publisher             events.Publisher
	defaultTimeoutMinutes int
	logger                *logrus.Logger
}

// NewQueueService creates a new queue service instance
func NewQueueService(db QueueDatabaseService, locator StaffLocatorService, publisher events.Publisher, logger *logrus.Logger) *QueueService {
	return NewQueueServiceWithConfig(db, locator, publisher, logger, 0)
}

// NewQueueServiceWithConfig creates a queue service with an explicit default
// wait timeout for projects without an assignment rule of their own.
func NewQueueServiceWithConfig(db QueueDatabaseService, locator StaffLocatorService, publisher events.Publisher, logger *logrus.Logger, defaultTimeoutMinutes int) *QueueService {
	if defaultTimeoutMinutes <= 0 {
		defaultTimeoutMinutes = constants.DefaultQueueWaitTimeoutMinutes
	}
	return &QueueService{
		db:                    db,
		locator:               locator,
		publisher:             publisher,
		defaultTimeoutMinutes: defaultTimeoutMinutes,
		logger:                logger,
	}
}

// Enqueue puts a visitor into the waiting queue. Entering is refused while the
// visitor is already assigned or the project has queueing disabled; a visitor
// already waiting gets their current standing back instead of a second entry.
func (s *QueueService) Enqueue(ctx context.Context, req EnqueueRequest) (*models.EnqueueResult, error) {
	visitor, err := s.db.GetVisitor(ctx, req.VisitorID)
	if err != nil {
		return nil, err
	}
	if visitor == nil {
		return nil, errors.NewNotFoundError("visitor", req.VisitorID)
	}

	if visitor.Status == models.VisitorStatusAssigned {
		return &models.EnqueueResult{
			CannotEnter:   true,
			CurrentStatus: string(visitor.Status),
			Message:       "visitor is already in an active session",
		}, nil
	}

	rule, err := s.db.GetAssignmentRule(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if rule != nil && !rule.IsEnabled {
		return &models.EnqueueResult{
			CannotEnter:   true,
			CurrentStatus: string(visitor.Status),
			Message:       "queueing is disabled for this project",
		}, nil
	}

	if existing, err := s.db.ActiveQueueEntry(ctx, req.ProjectID, req.VisitorID); err != nil {
		return nil, err
	} else if existing != nil {
		return s.alreadyInQueue(ctx, existing), nil
	}

	entry := &models.WaitingQueueEntry{
		ProjectID:   req.ProjectID,
		VisitorID:   req.VisitorID,
		ChannelID:   req.ChannelID,
		ChannelType: req.ChannelType,
		Source:      req.Source,
		Urgency:     req.Urgency,
		Priority:    req.Priority,
		Reason:      req.Reason,
	}

	stored, err := s.db.EnqueueWaiting(ctx, entry)
	if err != nil {
		// A concurrent enqueue may have won the unique waiting slot
		existing, lookupErr := s.db.ActiveQueueEntry(ctx, req.ProjectID, req.VisitorID)
		if lookupErr == nil && existing != nil {
			return s.alreadyInQueue(ctx, existing), nil
		}
		return nil, err
	}

	if err := s.db.UpdateVisitorStatus(ctx, req.VisitorID, models.VisitorStatusQueued); err != nil {
		s.logger.WithError(err).WithField("visitor", req.VisitorID).Warn("Failed to mark visitor as queued")
	}

	rank := s.rank(ctx, stored)

	s.publish(ctx, events.TypeQueueEntered, events.QueueEntered{
		EntryID:   stored.ID,
		ProjectID: stored.ProjectID,
		VisitorID: stored.VisitorID,
		Source:    string(stored.Source),
		Urgency:   string(stored.Urgency),
		Priority:  stored.Priority,
		Position:  rank,
	})
	metrics.IncrementCounter("queue_entered_total", map[string]string{
		"project": stored.ProjectID,
		"source":  string(stored.Source),
	}, "Total visitors entering the waiting queue")

	result := &models.EnqueueResult{
		Success:  true,
		Position: rank,
		Entry:    stored,
	}

	if !req.SkipImmediateAttempt {
		assignment, err := s.Assign(ctx, stored.ID)
		if err != nil {
			s.logger.WithError(err).WithField("entry", stored.ID).Warn("Immediate assignment attempt failed")
		} else {
			result.Assignment = assignment
			if assignment.Success {
				if updated, err := s.db.GetQueueEntry(ctx, stored.ID); err == nil && updated != nil {
					result.Entry = updated
				}
			}
		}
	}

	return result, nil
}

// Assign runs one assignment attempt for a waiting entry. The entry is read
// fresh, so stale sweep candidates resolve to a no-op rather than a double
// assignment. Finding no staff is a normal outcome, not an error.
func (s *QueueService) Assign(ctx context.Context, entryID string) (*models.AssignmentResult, error) {
	entry, err := s.db.GetQueueEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, errors.NewNotFoundError("queue entry", entryID)
	}

	if entry.Status != models.WaitingStatusWaiting {
		return &models.AssignmentResult{
			Message: "entry is no longer waiting (status " + string(entry.Status) + ")",
		}, nil
	}

	if s.pastDeadline(entry) {
		if _, err := s.Expire(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to expire overdue entry")
		}
		return &models.AssignmentResult{
			Message: "entry wait deadline has passed",
		}, nil
	}

	if err := s.db.RecordAssignmentAttempt(ctx, entry.ID); err != nil {
		s.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to record assignment attempt")
	}

	staff, err := s.locator.Locate(ctx, entry.ProjectID)
	if err != nil {
		return nil, err
	}
	if staff == nil {
		metrics.IncrementCounter("queue_assign_no_staff_total", map[string]string{
			"project": entry.ProjectID,
		}, "Assignment attempts that found no available staff")
		return &models.AssignmentResult{
			NoStaff: true,
			Message: "no staff available",
		}, nil
	}

	return s.claim(ctx, entry, staff.ID)
}

// Accept binds a waiting visitor to the staff member who explicitly took
// them, skipping the round-robin locator and its capacity check.
func (s *QueueService) Accept(ctx context.Context, projectID, visitorID, staffID string) (*models.AssignmentResult, error) {
	staff, err := s.db.GetStaff(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if staff == nil {
		return nil, errors.NewNotFoundError("staff", staffID)
	}

	entry, err := s.db.ActiveQueueEntry(ctx, projectID, visitorID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return &models.AssignmentResult{
			Message: "visitor is not waiting in this project",
		}, nil
	}

	if s.pastDeadline(entry) {
		if _, err := s.Expire(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to expire overdue entry")
		}
		return &models.AssignmentResult{
			Message: "entry wait deadline has passed",
		}, nil
	}

	if err := s.db.RecordAssignmentAttempt(ctx, entry.ID); err != nil {
		s.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to record assignment attempt")
	}

	return s.claim(ctx, entry, staffID)
}

// claim runs the transactional binding and emits the assignment side effects.
func (s *QueueService) claim(ctx context.Context, entry *models.WaitingQueueEntry, staffID string) (*models.AssignmentResult, error) {
	sessionID, claimed, err := s.db.AssignWaitingEntry(ctx, entry, staffID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return &models.AssignmentResult{
			Message: "entry was claimed by another worker",
		}, nil
	}

	s.publish(ctx, events.TypeQueueAssigned, events.QueueAssigned{
		EntryID:   entry.ID,
		ProjectID: entry.ProjectID,
		VisitorID: entry.VisitorID,
		StaffID:   staffID,
		SessionID: sessionID,
	})
	metrics.IncrementCounter("queue_assigned_total", map[string]string{
		"project": entry.ProjectID,
	}, "Waiting entries bound to a staff member")
	metrics.RecordTimer("queue_wait_duration", time.Since(entry.EnteredAt), map[string]string{
		"project": entry.ProjectID,
	}, "Time visitors spent waiting before assignment")

	s.logger.WithFields(logrus.Fields{
		"entry":   entry.ID,
		"project": entry.ProjectID,
		"staff":   staffID,
		"session": sessionID,
	}).Info("Queue entry assigned")

	return &models.AssignmentResult{
		Success:         true,
		AssignedStaffID: staffID,
		SessionID:       sessionID,
	}, nil
}

// Cancel withdraws a waiting entry. Cancelling an entry that is not waiting
// is a no-op; the visitor goes back to unassigned when the cancel takes.
func (s *QueueService) Cancel(ctx context.Context, entryID, reason string) (bool, error) {
	entry, err := s.db.GetQueueEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	done, err := s.db.MarkQueueCancelled(ctx, entryID, reason)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	if err := s.db.UpdateVisitorStatus(ctx, entry.VisitorID, models.VisitorStatusUnassigned); err != nil {
		s.logger.WithError(err).WithField("visitor", entry.VisitorID).Warn("Failed to reset cancelled visitor")
	}

	s.publish(ctx, events.TypeQueueCancelled, events.QueueCancelled{
		EntryID:   entry.ID,
		ProjectID: entry.ProjectID,
		VisitorID: entry.VisitorID,
		Reason:    reason,
	})
	metrics.IncrementCounter("queue_cancelled_total", map[string]string{
		"project": entry.ProjectID,
	}, "Waiting entries withdrawn before assignment")

	return true, nil
}

// Expire times out a waiting entry and closes the visitor's service window.
// Returns false when the entry was no longer waiting.
func (s *QueueService) Expire(ctx context.Context, entry *models.WaitingQueueEntry) (bool, error) {
	done, err := s.db.MarkQueueExpired(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	if !done {
		return false, nil
	}

	if err := s.db.UpdateVisitorStatus(ctx, entry.VisitorID, models.VisitorStatusClosed); err != nil {
		s.logger.WithError(err).WithField("visitor", entry.VisitorID).Warn("Failed to close expired visitor")
	}

	s.publish(ctx, events.TypeQueueExpired, events.QueueExpired{
		EntryID:   entry.ID,
		ProjectID: entry.ProjectID,
		VisitorID: entry.VisitorID,
	})
	metrics.IncrementCounter("queue_expired_total", map[string]string{
		"project": entry.ProjectID,
	}, "Waiting entries that timed out")

	s.logger.WithFields(logrus.Fields{
		"entry":   entry.ID,
		"project": entry.ProjectID,
		"visitor": entry.VisitorID,
	}).Info("Queue entry expired")

	return true, nil
}

// Get returns a queue entry and, while it is still waiting, its live rank
// (1 = next to be served). Rank is zero for entries no longer waiting.
func (s *QueueService) Get(ctx context.Context, entryID string) (*models.WaitingQueueEntry, int, error) {
	entry, err := s.db.GetQueueEntry(ctx, entryID)
	if err != nil {
		return nil, 0, err
	}
	if entry == nil {
		return nil, 0, errors.NewNotFoundError("queue entry", entryID)
	}

	rank := 0
	if entry.Status == models.WaitingStatusWaiting {
		rank = s.rank(ctx, entry)
	}
	return entry, rank, nil
}

// List returns queue entries matching the filter
func (s *QueueService) List(ctx context.Context, filter models.QueueFilter) ([]*models.WaitingQueueEntry, error) {
	return s.db.ListQueueEntries(ctx, filter)
}

// Counts summarizes a project's queue by status
func (s *QueueService) Counts(ctx context.Context, projectID string) (*models.QueueCounts, error) {
	return s.db.QueueStatusCounts(ctx, projectID)
}

// CloseSession ends an active session and closes the visitor's service
// window. The session row is returned so callers can sweep the project the
// freed staff member serves. Returns false when the session was already
// closed or unknown.
func (s *QueueService) CloseSession(ctx context.Context, sessionID string) (*models.Session, bool, error) {
	session, err := s.db.GetSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if session == nil {
		return nil, false, nil
	}

	done, err := s.db.CloseSession(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if !done {
		return session, false, nil
	}

	if err := s.db.UpdateVisitorStatus(ctx, session.VisitorID, models.VisitorStatusClosed); err != nil {
		s.logger.WithError(err).WithField("visitor", session.VisitorID).Warn("Failed to close visitor after session end")
	}

	metrics.IncrementCounter("sessions_closed_total", map[string]string{
		"project": session.ProjectID,
	}, "Staff sessions closed")

	return session, true, nil
}

// rank turns an entry's standing into a 1-based queue position.
func (s *QueueService) rank(ctx context.Context, entry *models.WaitingQueueEntry) int {
	ahead, err := s.db.WaitingAhead(ctx, entry)
	if err != nil {
		s.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to compute queue rank")
		return 0
	}
	return ahead + 1
}

func (s *QueueService) alreadyInQueue(ctx context.Context, entry *models.WaitingQueueEntry) *models.EnqueueResult {
	return &models.EnqueueResult{
		AlreadyInQueue: true,
		CurrentStatus:  string(entry.Status),
		Position:       s.rank(ctx, entry),
		Entry:          entry,
		Message:        "visitor is already waiting",
	}
}

// pastDeadline checks the entry against the wait deadline stamped at enqueue.
// Rows without a stamped deadline fall back to the default window measured
// from entry time.
func (s *QueueService) pastDeadline(entry *models.WaitingQueueEntry) bool {
	deadline := entry.EnteredAt.Add(time.Duration(s.defaultTimeoutMinutes) * time.Minute)
	if entry.ExpiredAt != nil {
		deadline = *entry.ExpiredAt
	}
	return !time.Now().Before(deadline)
}

func (s *QueueService) publish(ctx context.Context, eventType string, data interface{}) {
	if s.publisher == nil {
		return
	}
	env := events.NewEnvelope(eventType, data)
	if err := s.publisher.Publish(ctx, eventType, env); err != nil {
		s.logger.WithError(err).WithField("event", eventType).Warn("Failed to publish queue event")
	}
}
