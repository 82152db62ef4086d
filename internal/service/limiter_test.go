package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepLimiter_ProjectLock(t *testing.T) {
	limiter := NewSweepLimiter(5)

	assert.True(t, limiter.TryLockProject("proj-1"))
	assert.False(t, limiter.TryLockProject("proj-1"))

	// A different project is independent
	assert.True(t, limiter.TryLockProject("proj-2"))

	limiter.UnlockProject("proj-1")
	assert.True(t, limiter.TryLockProject("proj-1"))
}

func TestSweepLimiter_EntryMarkers(t *testing.T) {
	limiter := NewSweepLimiter(5)

	assert.False(t, limiter.EntryInFlight("entry-1"))

	assert.True(t, limiter.MarkEntry("entry-1"))
	assert.True(t, limiter.EntryInFlight("entry-1"))
	assert.False(t, limiter.MarkEntry("entry-1"))

	limiter.UnmarkEntry("entry-1")
	assert.False(t, limiter.EntryInFlight("entry-1"))
	assert.True(t, limiter.MarkEntry("entry-1"))
}

func TestSweepLimiter_GlobalSlots(t *testing.T) {
	limiter := NewSweepLimiter(2)
	ctx := context.Background()

	require.NoError(t, limiter.Acquire(ctx))
	require.NoError(t, limiter.Acquire(ctx))

	// Third acquire must block until a slot frees up
	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := limiter.Acquire(blockedCtx)
	assert.Error(t, err)

	limiter.Release()
	require.NoError(t, limiter.Acquire(ctx))

	limiter.Release()
	limiter.Release()
}

func TestSweepLimiter_AcquireHonoursCancelledContext(t *testing.T) {
	limiter := NewSweepLimiter(1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, limiter.Acquire(ctx))

	cancel()
	err := limiter.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	limiter.Release()
}

func TestNewSweepLimiter_DefaultsOnBadInput(t *testing.T) {
	ctx := context.Background()

	for _, maxConcurrent := range []int{0, -3} {
		limiter := NewSweepLimiter(maxConcurrent)

		// The default allows several concurrent slots
		require.NoError(t, limiter.Acquire(ctx))
		require.NoError(t, limiter.Acquire(ctx))
		limiter.Release()
		limiter.Release()
	}
}
