package service

import (
	"context"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// StaffDatabaseService defines the database operations needed by StaffLocator
type StaffDatabaseService interface {
	ListAvailableStaff(ctx context.Context, projectID string) ([]*models.Staff, error)
	ActiveSessionCountByStaff(ctx context.Context, staffID string) (int, error)
}

// StaffLocator picks the staff member a waiting visitor should be bound to.
// Candidates arrive ordered by least-recent assignment, the first one with
// spare session capacity wins.
type StaffLocator struct {
	db     StaffDatabaseService
	logger *logrus.Logger
}

// NewStaffLocator creates a new staff locator instance
func NewStaffLocator(db StaffDatabaseService, logger *logrus.Logger) *StaffLocator {
	return &StaffLocator{
		db:     db,
		logger: logger,
	}
}

// Locate returns the staff member to assign next for a project, or (nil, nil)
// when nobody has capacity. A MaxConcurrent of zero or below means uncapped.
func (sl *StaffLocator) Locate(ctx context.Context, projectID string) (*models.Staff, error) {
	candidates, err := sl.db.ListAvailableStaff(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, staff := range candidates {
		if staff.MaxConcurrent <= 0 {
			return staff, nil
		}

		active, err := sl.db.ActiveSessionCountByStaff(ctx, staff.ID)
		if err != nil {
			return nil, err
		}

		if active < staff.MaxConcurrent {
			return staff, nil
		}

		sl.logger.WithFields(logrus.Fields{
			"staff":   staff.ID,
			"active":  active,
			"project": projectID,
		}).Debug("Staff member at session capacity")
	}

	return nil, nil
}
