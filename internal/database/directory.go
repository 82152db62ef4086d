package database

import (
	"context"
	"database/sql"
	"fmt"

	"deskrelay/internal/models"

	"github.com/google/uuid"
)

// UpsertVisitor stores or refreshes a visitor identity and returns the
// canonical row. On conflict with an existing (project, channel, external id)
// the stored ID wins and only the profile fields are refreshed; status is
// never touched here and empty profile fields never blank stored values.
func (d *Database) UpsertVisitor(ctx context.Context, v *models.Visitor) (*models.Visitor, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = models.VisitorStatusUnassigned
	}

	encryptedExternalID, err := d.encryptor.EncryptForLookupIfEnabled(v.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt external ID: %w", err)
	}

	encryptedDisplayName, err := d.encryptor.EncryptIfEnabled(v.DisplayName)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt display name: %w", err)
	}

	err = runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertVisitorQuery,
			v.ID, v.ProjectID, v.ChannelType, encryptedExternalID,
			encryptedDisplayName, v.AvatarURL, v.Status)
		return execErr
	}, "upsert visitor")
	if err != nil {
		return nil, fmt.Errorf("failed to upsert visitor: %w", err)
	}

	return d.GetVisitorByExternalID(ctx, v.ProjectID, v.ChannelType, v.ExternalID)
}

// GetVisitor fetches a visitor by ID, or (nil, nil) when absent.
func (d *Database) GetVisitor(ctx context.Context, id string) (*models.Visitor, error) {
	row := d.db.QueryRowContext(ctx, selectVisitorByIDQuery, id)
	visitor, err := d.scanVisitor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visitor: %w", err)
	}
	return visitor, nil
}

// GetVisitorByExternalID fetches a visitor by channel identity, or (nil, nil).
func (d *Database) GetVisitorByExternalID(ctx context.Context, projectID, channelType, externalID string) (*models.Visitor, error) {
	encryptedExternalID, err := d.encryptor.EncryptForLookupIfEnabled(externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt external ID: %w", err)
	}

	row := d.db.QueryRowContext(ctx, selectVisitorByExternalIDQuery, projectID, channelType, encryptedExternalID)
	visitor, err := d.scanVisitor(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get visitor by external ID: %w", err)
	}
	return visitor, nil
}

// UpdateVisitorStatus moves a visitor through its service lifecycle.
func (d *Database) UpdateVisitorStatus(ctx context.Context, id string, status models.VisitorStatus) error {
	err := runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, updateVisitorStatusQuery, status, id)
		return execErr
	}, "update visitor status")
	if err != nil {
		return fmt.Errorf("failed to update visitor status: %w", err)
	}
	return nil
}

func (d *Database) scanVisitor(row rowScanner) (*models.Visitor, error) {
	visitor := &models.Visitor{}

	var encryptedExternalID string
	var displayName, avatarURL sql.NullString
	var status string

	err := row.Scan(
		&visitor.ID,
		&visitor.ProjectID,
		&visitor.ChannelType,
		&encryptedExternalID,
		&displayName,
		&avatarURL,
		&status,
		&visitor.CreatedAt,
		&visitor.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	visitor.Status = models.VisitorStatus(status)
	visitor.AvatarURL = avatarURL.String

	visitor.ExternalID, err = d.encryptor.DecryptIfEnabled(encryptedExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt external ID: %w", err)
	}

	visitor.DisplayName, err = d.encryptor.DecryptIfEnabled(displayName.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt display name: %w", err)
	}

	return visitor, nil
}

// SaveStaff stores or refreshes a staff member.
func (d *Database) SaveStaff(ctx context.Context, s *models.Staff) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	err := runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertStaffQuery,
			s.ID, s.ProjectID, s.DisplayName, s.IsActive, s.ServicePaused, s.MaxConcurrent)
		return execErr
	}, "save staff")
	if err != nil {
		return fmt.Errorf("failed to save staff: %w", err)
	}
	return nil
}

// GetStaff fetches a staff member by ID, or (nil, nil) when absent.
func (d *Database) GetStaff(ctx context.Context, id string) (*models.Staff, error) {
	row := d.db.QueryRowContext(ctx, selectStaffByIDQuery, id)
	staff, err := scanStaff(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get staff: %w", err)
	}
	return staff, nil
}

// ListAvailableStaff returns active, unpaused staff for a project ordered for
// round-robin: never-assigned first, then least recently assigned. Capacity
// against max_concurrent is checked by the caller per candidate.
func (d *Database) ListAvailableStaff(ctx context.Context, projectID string) ([]*models.Staff, error) {
	rows, err := d.db.QueryContext(ctx, selectAvailableStaffQuery, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list available staff: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Staff
	for rows.Next() {
		staff, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staff: %w", err)
		}
		result = append(result, staff)
	}
	return result, rows.Err()
}

func scanStaff(row rowScanner) (*models.Staff, error) {
	staff := &models.Staff{}

	var lastAssignedAt sql.NullTime

	err := row.Scan(
		&staff.ID,
		&staff.ProjectID,
		&staff.DisplayName,
		&staff.IsActive,
		&staff.ServicePaused,
		&staff.MaxConcurrent,
		&lastAssignedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastAssignedAt.Valid {
		t := lastAssignedAt.Time
		staff.LastAssignedAt = &t
	}

	return staff, nil
}

// GetSession fetches a session by ID, or (nil, nil) when absent.
func (d *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := d.db.QueryRowContext(ctx, selectSessionByIDQuery, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// CloseSession ends an active session. Returns false when the session was
// already closed or does not exist.
func (d *Database) CloseSession(ctx context.Context, id string) (bool, error) {
	var rows int64
	err := runWithRetry(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, closeSessionQuery, id)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	}, "close session")
	if err != nil {
		return false, fmt.Errorf("failed to close session: %w", err)
	}
	return rows == 1, nil
}

// ActiveSessionCountByStaff reports how many sessions a staff member is
// currently serving, for capacity checks.
func (d *Database) ActiveSessionCountByStaff(ctx context.Context, staffID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx, countActiveSessionsByStaffQuery, staffID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// GetActiveSessionByVisitor returns the visitor's open session, or (nil, nil).
func (d *Database) GetActiveSessionByVisitor(ctx context.Context, visitorID string) (*models.Session, error) {
	row := d.db.QueryRowContext(ctx, selectActiveSessionByVisitorQuery, visitorID)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	session := &models.Session{}

	var source, status string
	var closedAt sql.NullTime

	err := row.Scan(
		&session.ID,
		&session.ProjectID,
		&session.VisitorID,
		&session.StaffID,
		&source,
		&status,
		&session.StartedAt,
		&closedAt,
	)
	if err != nil {
		return nil, err
	}

	session.Source = models.QueueSource(source)
	session.Status = models.SessionStatus(status)
	if closedAt.Valid {
		t := closedAt.Time
		session.ClosedAt = &t
	}

	return session, nil
}

// SaveAssignmentRule stores or refreshes a project's queue configuration.
func (d *Database) SaveAssignmentRule(ctx context.Context, rule *models.AssignmentRule) error {
	err := runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertAssignmentRuleQuery,
			rule.ProjectID, rule.QueueWaitTimeoutMinutes, rule.IsEnabled)
		return execErr
	}, "save assignment rule")
	if err != nil {
		return fmt.Errorf("failed to save assignment rule: %w", err)
	}
	return nil
}

// GetAssignmentRule fetches a project's queue configuration, or (nil, nil)
// when the project runs on defaults.
func (d *Database) GetAssignmentRule(ctx context.Context, projectID string) (*models.AssignmentRule, error) {
	rule := &models.AssignmentRule{}

	err := d.db.QueryRowContext(ctx, selectAssignmentRuleQuery, projectID).Scan(
		&rule.ProjectID,
		&rule.QueueWaitTimeoutMinutes,
		&rule.IsEnabled,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment rule: %w", err)
	}
	return rule, nil
}
