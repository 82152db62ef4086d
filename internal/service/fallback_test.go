package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNewFallbackSweeper(t *testing.T) {
	limiter := NewSweepLimiter(2)
	trigger := NewQueueTrigger(&mockTriggerDatabase{}, &mockAssigner{}, limiter, 10, logrus.New())

	sweeper := NewFallbackSweeper(&mockFallbackDatabase{}, trigger, limiter, 0, logrus.New())
	assert.Equal(t, constants.DefaultFallbackIntervalSec, sweeper.intervalSec)
}

func TestFallbackSweeper_RunSweep(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()

	t.Run("stale entries collapse into one sweep per project", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		trigDB := &mockTriggerDatabase{}
		assigner := &mockAssigner{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(trigDB, assigner, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		stale := []*models.WaitingQueueEntry{
			waitingEntry("entry-1", "proj-1", "vis-001"),
			waitingEntry("entry-2", "proj-1", "vis-002"),
			waitingEntry("entry-3", "proj-2", "vis-003"),
		}

		mockDB.On("SelectStaleWaiting", ctx, 60, 100).Return(stale, nil)
		trigDB.On("SelectWaitingBatch", ctx, "proj-1", 10).Return([]*models.WaitingQueueEntry{stale[0], stale[1]}, nil)
		trigDB.On("SelectWaitingBatch", ctx, "proj-2", 10).Return([]*models.WaitingQueueEntry{stale[2]}, nil)
		assigner.On("Assign", ctx, mock.AnythingOfType("string")).Return(&models.AssignmentResult{Success: true}, nil)

		sweeper.runSweep(ctx)

		trigDB.AssertNumberOfCalls(t, "SelectWaitingBatch", 2)
		assigner.AssertNumberOfCalls(t, "Assign", 3)
		mockDB.AssertExpectations(t)
	})

	t.Run("entries with attempts in flight are skipped", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		trigDB := &mockTriggerDatabase{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(trigDB, &mockAssigner{}, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		require.True(t, limiter.MarkEntry("entry-1"))
		defer limiter.UnmarkEntry("entry-1")

		stale := []*models.WaitingQueueEntry{waitingEntry("entry-1", "proj-1", "vis-001")}
		mockDB.On("SelectStaleWaiting", ctx, 60, 100).Return(stale, nil)

		sweeper.runSweep(ctx)

		trigDB.AssertNotCalled(t, "SelectWaitingBatch", mock.Anything, mock.Anything, mock.Anything)
		mockDB.AssertExpectations(t)
	})

	t.Run("empty scan is a no-op", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		trigDB := &mockTriggerDatabase{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(trigDB, &mockAssigner{}, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		mockDB.On("SelectStaleWaiting", ctx, 60, 100).Return([]*models.WaitingQueueEntry{}, nil)

		sweeper.runSweep(ctx)

		trigDB.AssertNotCalled(t, "SelectWaitingBatch", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("select failure is tolerated", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		trigDB := &mockTriggerDatabase{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(trigDB, &mockAssigner{}, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		mockDB.On("SelectStaleWaiting", ctx, 60, 100).Return(nil, errors.New("database is locked"))

		sweeper.runSweep(ctx)

		trigDB.AssertNotCalled(t, "SelectWaitingBatch", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestFallbackSweeper_StartStop(t *testing.T) {
	logger := logrus.New()

	t.Run("first round runs immediately and stop shuts down", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(&mockTriggerDatabase{}, &mockAssigner{}, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		mockDB.On("SelectStaleWaiting", mock.Anything, 60, 100).Return([]*models.WaitingQueueEntry{}, nil)

		done := make(chan struct{})
		go func() {
			sweeper.Start(context.Background())
			close(done)
		}()

		time.Sleep(100 * time.Millisecond)
		sweeper.Stop()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}

		mockDB.AssertNumberOfCalls(t, "SelectStaleWaiting", 1)
	})

	t.Run("context cancellation shuts down", func(t *testing.T) {
		mockDB := &mockFallbackDatabase{}
		limiter := NewSweepLimiter(5)
		trigger := NewQueueTrigger(&mockTriggerDatabase{}, &mockAssigner{}, limiter, 10, logger)
		sweeper := NewFallbackSweeper(mockDB, trigger, limiter, 60, logger)

		mockDB.On("SelectStaleWaiting", mock.Anything, 60, 100).Return([]*models.WaitingQueueEntry{}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			sweeper.Start(ctx)
			close(done)
		}()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("sweeper did not stop")
		}
	})
}
