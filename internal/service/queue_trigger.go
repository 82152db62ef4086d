package service

import (
	"context"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// Assigner runs one assignment attempt for a queue entry
type Assigner interface {
	Assign(ctx context.Context, entryID string) (*models.AssignmentResult, error)
}

// TriggerDatabaseService defines the database operations needed by QueueTrigger
type TriggerDatabaseService interface {
	SelectWaitingBatch(ctx context.Context, projectID string, limit int) ([]*models.WaitingQueueEntry, error)
}

// QueueTrigger runs reactive assignment sweeps. A sweep walks the head of a
// project's queue in serving order and stops as soon as staff run out, so a
// lower-priority visitor can never jump an earlier one.
type QueueTrigger struct {
	db        TriggerDatabaseService
	assigner  Assigner
	limiter   *SweepLimiter
	batchSize int
	logger    *logrus.Logger
}

// NewQueueTrigger creates a new queue trigger instance
func NewQueueTrigger(db TriggerDatabaseService, assigner Assigner, limiter *SweepLimiter, batchSize int, logger *logrus.Logger) *QueueTrigger {
	if batchSize <= 0 {
		batchSize = constants.DefaultTriggerBatchSize
	}
	return &QueueTrigger{
		db:        db,
		assigner:  assigner,
		limiter:   limiter,
		batchSize: batchSize,
		logger:    logger,
	}
}

// TriggerProject sweeps one project's queue head. Concurrent sweeps for the
// same project collapse into a no-op. Returns the number of entries assigned.
func (t *QueueTrigger) TriggerProject(ctx context.Context, projectID string) (int, error) {
	if !t.limiter.TryLockProject(projectID) {
		t.logger.WithField("project", projectID).Debug("Sweep already running for project")
		return 0, nil
	}
	defer t.limiter.UnlockProject(projectID)

	if err := t.limiter.Acquire(ctx); err != nil {
		return 0, err
	}
	defer t.limiter.Release()

	batch, err := t.db.SelectWaitingBatch(ctx, projectID, t.batchSize)
	if err != nil {
		return 0, err
	}

	assigned := 0
	for _, entry := range batch {
		if !t.limiter.MarkEntry(entry.ID) {
			continue
		}
		result, err := t.assigner.Assign(ctx, entry.ID)
		t.limiter.UnmarkEntry(entry.ID)
		if err != nil {
			t.logger.WithError(err).WithFields(logrus.Fields{
				"project": projectID,
				"entry":   entry.ID,
			}).Warn("Assignment attempt failed during sweep")
			continue
		}

		if result.Success {
			assigned++
			continue
		}
		if result.NoStaff {
			// Nobody left to serve the rest of the batch
			break
		}
	}

	if assigned > 0 {
		t.logger.WithFields(logrus.Fields{
			"project":  projectID,
			"assigned": assigned,
		}).Info("Queue sweep assigned entries")
	}

	return assigned, nil
}

// TriggerEntry runs one assignment attempt for a specific entry, deduplicated
// against attempts already in flight.
func (t *QueueTrigger) TriggerEntry(ctx context.Context, entryID string) (*models.AssignmentResult, error) {
	if !t.limiter.MarkEntry(entryID) {
		return &models.AssignmentResult{
			Message: "assignment attempt already in flight",
		}, nil
	}
	defer t.limiter.UnmarkEntry(entryID)

	return t.assigner.Assign(ctx, entryID)
}
