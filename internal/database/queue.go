package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/google/uuid"
)

const defaultQueueListLimit = 50

// IsDuplicateEntryError reports whether an error came from a uniqueness
// constraint, such as two concurrent enqueues for the same waiting visitor.
func IsDuplicateEntryError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// EnqueueWaiting inserts a new waiting entry and returns the stored row,
// including the position the database assigned and the wait deadline stamped
// from the project's assignment rule (or the configured default). The partial
// unique index on (project_id, visitor_id) for waiting rows rejects concurrent
// duplicates; callers should check IsDuplicateEntryError on failure.
func (d *Database) EnqueueWaiting(ctx context.Context, entry *models.WaitingQueueEntry) (*models.WaitingQueueEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Urgency == "" {
		entry.Urgency = models.QueueUrgencyNormal
	}
	if entry.Priority == 0 {
		entry.Priority = constants.DefaultQueuePriority
	}

	_, err := d.db.ExecContext(ctx, insertQueueEntryQuery,
		entry.ID, entry.ProjectID, entry.VisitorID, entry.SessionID,
		entry.ChannelID, entry.ChannelType, entry.Source, entry.Urgency,
		entry.Priority, entry.ProjectID, entry.Reason,
		entry.ProjectID, d.queueWaitDefaultMinutes)
	if err != nil {
		if IsDuplicateEntryError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to enqueue waiting entry: %w", err)
	}

	return d.GetQueueEntry(ctx, entry.ID)
}

// GetQueueEntry fetches one entry, or (nil, nil) when absent.
func (d *Database) GetQueueEntry(ctx context.Context, id string) (*models.WaitingQueueEntry, error) {
	row := d.db.QueryRowContext(ctx, selectQueueEntryByIDQuery, id)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return entry, nil
}

// ActiveQueueEntry returns the visitor's live waiting entry, or (nil, nil).
// At most one can exist per (project, visitor).
func (d *Database) ActiveQueueEntry(ctx context.Context, projectID, visitorID string) (*models.WaitingQueueEntry, error) {
	row := d.db.QueryRowContext(ctx, selectActiveQueueEntryQuery, projectID, visitorID)
	entry, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active queue entry: %w", err)
	}
	return entry, nil
}

// SelectWaitingBatch returns the next entries a sweep should try to assign,
// highest priority first and oldest position first within a priority.
// Entries past their stamped wait deadline are left for the cleanup sweep.
func (d *Database) SelectWaitingBatch(ctx context.Context, projectID string, limit int) ([]*models.WaitingQueueEntry, error) {
	return d.queryQueueEntries(ctx, selectWaitingBatchQuery, projectID, limit)
}

// SelectStaleWaiting returns waiting entries across all projects that were
// never attempted, or whose last assignment attempt is older than the given
// number of seconds. The fallback sweep uses this to pick up entries the
// triggers missed. Entries past their wait deadline are excluded.
func (d *Database) SelectStaleWaiting(ctx context.Context, olderThanSeconds, limit int) ([]*models.WaitingQueueEntry, error) {
	return d.queryQueueEntries(ctx, selectStaleWaitingQuery, olderThanSeconds, limit)
}

// SelectExpiredWaiting returns waiting entries whose stamped deadline has
// passed, oldest first.
func (d *Database) SelectExpiredWaiting(ctx context.Context, limit int) ([]*models.WaitingQueueEntry, error) {
	return d.queryQueueEntries(ctx, selectExpiredWaitingQuery, limit)
}

// AssignWaitingEntry binds a waiting entry to a staff member in one
// transaction: the entry flips to assigned, a session opens, the visitor
// becomes assigned, and the staff round-robin clock advances. Returns the new
// session ID and whether the claim won; a lost claim is not an error.
func (d *Database) AssignWaitingEntry(ctx context.Context, entry *models.WaitingQueueEntry, staffID string) (string, bool, error) {
	sessionID := uuid.NewString()

	var claimed bool
	err := runWithRetry(ctx, func() error {
		claimed = false

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		result, err := tx.ExecContext(ctx, markQueueAssignedQuery, staffID, sessionID, entry.ID)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, insertSessionQuery,
			sessionID, entry.ProjectID, entry.VisitorID, staffID, entry.Source); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, updateVisitorStatusQuery,
			models.VisitorStatusAssigned, entry.VisitorID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, touchStaffAssignedQuery, staffID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
		claimed = true
		return nil
	}, "assign waiting entry")
	if err != nil {
		return "", false, fmt.Errorf("failed to assign waiting entry: %w", err)
	}
	if !claimed {
		return "", false, nil
	}
	return sessionID, true, nil
}

// MarkQueueCancelled exits a waiting entry without assignment, keeping the
// reason when one is given. Returns false when the entry was no longer
// waiting.
func (d *Database) MarkQueueCancelled(ctx context.Context, id, reason string) (bool, error) {
	return d.markQueueExit(ctx, markQueueCancelledQuery, "cancel queue entry", reason, id)
}

// MarkQueueExpired times out a waiting entry. Returns false when the entry
// was no longer waiting.
func (d *Database) MarkQueueExpired(ctx context.Context, id string) (bool, error) {
	return d.markQueueExit(ctx, markQueueExpiredQuery, "expire queue entry", id)
}

func (d *Database) markQueueExit(ctx context.Context, query, operation string, args ...interface{}) (bool, error) {
	var rows int64
	err := runWithRetry(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	}, operation)
	if err != nil {
		return false, fmt.Errorf("failed to %s: %w", operation, err)
	}
	return rows == 1, nil
}

// RecordAssignmentAttempt bumps the attempt counter after a sweep touched an
// entry, so the fallback sweep can tell fresh entries from stalled ones.
func (d *Database) RecordAssignmentAttempt(ctx context.Context, id string) error {
	err := runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, recordAttemptQuery, id)
		return execErr
	}, "record assignment attempt")
	if err != nil {
		return fmt.Errorf("failed to record assignment attempt: %w", err)
	}
	return nil
}

// QueueStatusCounts summarizes a project's queue by status.
func (d *Database) QueueStatusCounts(ctx context.Context, projectID string) (*models.QueueCounts, error) {
	rows, err := d.db.QueryContext(ctx, countQueueByStatusQuery, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := &models.QueueCounts{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan queue counts: %w", err)
		}
		switch models.WaitingStatus(status) {
		case models.WaitingStatusWaiting:
			counts.Waiting = count
		case models.WaitingStatusAssigned:
			counts.Assigned = count
		}
		counts.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue counts: %w", err)
	}
	return counts, nil
}

// WaitingAhead counts entries that would be served before the given one.
func (d *Database) WaitingAhead(ctx context.Context, entry *models.WaitingQueueEntry) (int, error) {
	var ahead int
	err := d.db.QueryRowContext(ctx, countWaitingAheadQuery,
		entry.ProjectID, entry.Priority, entry.Priority, entry.Position).Scan(&ahead)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries ahead: %w", err)
	}
	return ahead, nil
}

// ListQueueEntries returns entries matching the filter, newest first.
func (d *Database) ListQueueEntries(ctx context.Context, filter models.QueueFilter) ([]*models.WaitingQueueEntry, error) {
	var conditions []string
	var args []interface{}

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.VisitorID != "" {
		conditions = append(conditions, "visitor_id = ?")
		args = append(args, filter.VisitorID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Urgency != "" {
		conditions = append(conditions, "urgency = ?")
		args = append(args, filter.Urgency)
	}

	query := "SELECT " + queueEntryColumns + " FROM waiting_queue"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY entered_at DESC LIMIT ? OFFSET ?"

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueueListLimit
	}
	args = append(args, limit, filter.Offset)

	return d.queryQueueEntries(ctx, query, args...)
}

func (d *Database) queryQueueEntries(ctx context.Context, query string, args ...interface{}) ([]*models.WaitingQueueEntry, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.WaitingQueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanQueueEntry(row rowScanner) (*models.WaitingQueueEntry, error) {
	entry := &models.WaitingQueueEntry{}

	var sessionID, channelID, channelType, reason, assignedStaffID sql.NullString
	var source, urgency, status string
	var lastAttemptAt, assignedAt, exitedAt, expiredAt sql.NullTime

	err := row.Scan(
		&entry.ID,
		&entry.ProjectID,
		&entry.VisitorID,
		&sessionID,
		&channelID,
		&channelType,
		&source,
		&urgency,
		&entry.Priority,
		&entry.Position,
		&reason,
		&status,
		&entry.AttemptCount,
		&lastAttemptAt,
		&entry.EnteredAt,
		&assignedAt,
		&exitedAt,
		&expiredAt,
		&assignedStaffID,
	)
	if err != nil {
		return nil, err
	}

	entry.SessionID = sessionID.String
	entry.ChannelID = channelID.String
	entry.ChannelType = channelType.String
	entry.Source = models.QueueSource(source)
	entry.Urgency = models.QueueUrgency(urgency)
	entry.Reason = reason.String
	entry.Status = models.WaitingStatus(status)
	entry.AssignedStaffID = assignedStaffID.String

	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		entry.LastAttemptAt = &t
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		entry.AssignedAt = &t
	}
	if exitedAt.Valid {
		t := exitedAt.Time
		entry.ExitedAt = &t
	}
	if expiredAt.Valid {
		t := expiredAt.Time
		entry.ExpiredAt = &t
	}

	return entry, nil
}
