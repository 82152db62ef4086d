package service

import (
	"context"
	"errors"
	"testing"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewQueueTrigger(t *testing.T) {
	trigger := NewQueueTrigger(&mockTriggerDatabase{}, &mockAssigner{}, NewSweepLimiter(2), 0, logrus.New())
	assert.Equal(t, constants.DefaultTriggerBatchSize, trigger.batchSize)
}

func TestQueueTrigger_TriggerProject(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()

	t.Run("assigns the whole batch in serving order", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(mockDB, assigner, NewSweepLimiter(2), 10, logger)

		batch := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
			waitingEntry("entry-3", "proj-1", "vis-003"),
		}

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(batch, nil)
		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Success: true}, nil)
		assigner.On("Assign", ctx, "entry-2").Return(&models.AssignmentResult{Success: true}, nil)
		assigner.On("Assign", ctx, "entry-3").Return(&models.AssignmentResult{Success: true}, nil)

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 3, assigned)
		assigner.AssertNumberOfCalls(t, "Assign", 3)
		mockDB.AssertExpectations(t)
	})

	t.Run("stops at the first no-staff result", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(mockDB, assigner, NewSweepLimiter(2), 10, logger)

		batch := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
			waitingEntry("entry-3", "proj-1", "vis-003"),
		}

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(batch, nil)
		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Success: true}, nil)
		assigner.On("Assign", ctx, "entry-2").Return(&models.AssignmentResult{NoStaff: true}, nil)

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 1, assigned)

		// Later entries must not jump the one that found no staff
		assigner.AssertNotCalled(t, "Assign", ctx, "entry-3")
		mockDB.AssertExpectations(t)
	})

	t.Run("concurrent sweep for the same project is a no-op", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(2)
		trigger := NewQueueTrigger(mockDB, assigner, limiter, 10, logger)

		require.True(t, limiter.TryLockProject("proj-1"))
		defer limiter.UnlockProject("proj-1")

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 0, assigned)
		mockDB.AssertNotCalled(t, "SelectWaitingBatch", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("entries already in flight are skipped", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(2)
		trigger := NewQueueTrigger(mockDB, assigner, limiter, 10, logger)

		require.True(t, limiter.MarkEntry("entry-2"))
		defer limiter.UnmarkEntry("entry-2")

		batch := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
		}

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(batch, nil)
		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Success: true}, nil)

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 1, assigned)
		assigner.AssertNotCalled(t, "Assign", ctx, "entry-2")
		mockDB.AssertExpectations(t)
	})

	t.Run("failed attempt does not stop the sweep", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(mockDB, assigner, NewSweepLimiter(2), 10, logger)

		batch := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
		}

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(batch, nil)
		assigner.On("Assign", ctx, "entry-1").Return(nil, errors.New("database is locked"))
		assigner.On("Assign", ctx, "entry-2").Return(&models.AssignmentResult{Success: true}, nil)

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 1, assigned)
		assigner.AssertNumberOfCalls(t, "Assign", 2)
	})

	t.Run("lost claim moves on to the next entry", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(mockDB, assigner, NewSweepLimiter(2), 10, logger)

		batch := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
		}

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(batch, nil)
		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Message: "entry was claimed by another worker"}, nil)
		assigner.On("Assign", ctx, "entry-2").Return(&models.AssignmentResult{Success: true}, nil)

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		require.NoError(t, err)
		assert.Equal(t, 1, assigned)
	})

	t.Run("select failure propagates", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(mockDB, assigner, NewSweepLimiter(2), 10, logger)

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return(nil, errors.New("database is locked"))

		assigned, err := trigger.TriggerProject(ctx, "proj-1")

		assert.Error(t, err)
		assert.Equal(t, 0, assigned)
		assigner.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything)
	})

	t.Run("project lock released after the sweep", func(t *testing.T) {
		mockDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(2)
		trigger := NewQueueTrigger(mockDB, assigner, limiter, 10, logger)

		mockDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return([]*models.WaitingQueueEntry{}, nil)

		_, err := trigger.TriggerProject(ctx, "proj-1")
		require.NoError(t, err)

		assert.True(t, limiter.TryLockProject("proj-1"))
		limiter.UnlockProject("proj-1")
	})
}

func TestQueueTrigger_TriggerEntry(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()

	t.Run("runs a single attempt", func(t *testing.T) {
		assigner := &mockAssigner{}
		trigger := NewQueueTrigger(&mockTriggerDatabase{}, assigner, NewSweepLimiter(2), 10, logger)

		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Success: true, AssignedStaffID: "staff-1"}, nil)

		result, err := trigger.TriggerEntry(ctx, "entry-1")

		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, "staff-1", result.AssignedStaffID)
	})

	t.Run("attempt already in flight", func(t *testing.T) {
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(2)
		trigger := NewQueueTrigger(&mockTriggerDatabase{}, assigner, limiter, 10, logger)

		require.True(t, limiter.MarkEntry("entry-1"))
		defer limiter.UnmarkEntry("entry-1")

		result, err := trigger.TriggerEntry(ctx, "entry-1")

		require.NoError(t, err)
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "already in flight")
		assigner.AssertNotCalled(t, "Assign", mock.Anything, mock.Anything)
	})

	t.Run("marker released after the attempt", func(t *testing.T) {
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(2)
		trigger := NewQueueTrigger(&mockTriggerDatabase{}, assigner, limiter, 10, logger)

		assigner.On("Assign", ctx, "entry-1").Return(&models.AssignmentResult{Success: true}, nil)

		_, err := trigger.TriggerEntry(ctx, "entry-1")
		require.NoError(t, err)

		assert.False(t, limiter.EntryInFlight("entry-1"))
	})
}
