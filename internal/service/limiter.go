package service

import (
	"context"
	"sync"

	"deskrelay/internal/constants"

	"golang.org/x/sync/semaphore"
)

// SweepLimiter bounds concurrent assignment work. It serializes sweeps per
// project, caps the number of projects swept at once, and tracks queue
// entries with an assignment attempt already in flight.
type SweepLimiter struct {
	sem      *semaphore.Weighted
	projects map[string]bool
	inFlight map[string]bool
	mu       sync.Mutex
}

// NewSweepLimiter creates a limiter allowing maxConcurrent simultaneous sweeps
func NewSweepLimiter(maxConcurrent int) *SweepLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = constants.DefaultMaxConcurrentSweeps
	}
	return &SweepLimiter{
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		projects: make(map[string]bool),
		inFlight: make(map[string]bool),
	}
}

// TryLockProject claims the per-project sweep slot. Returns false when a
// sweep for the project is already running.
func (sl *SweepLimiter) TryLockProject(projectID string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.projects[projectID] {
		return false
	}
	sl.projects[projectID] = true
	return true
}

// UnlockProject releases the per-project sweep slot
func (sl *SweepLimiter) UnlockProject(projectID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	delete(sl.projects, projectID)
}

// Acquire blocks until a global sweep slot is free or the context ends
func (sl *SweepLimiter) Acquire(ctx context.Context) error {
	return sl.sem.Acquire(ctx, 1)
}

// Release frees a global sweep slot
func (sl *SweepLimiter) Release() {
	sl.sem.Release(1)
}

// MarkEntry records an assignment attempt in flight for a queue entry.
// Returns false when the entry is already being attempted.
func (sl *SweepLimiter) MarkEntry(entryID string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.inFlight[entryID] {
		return false
	}
	sl.inFlight[entryID] = true
	return true
}

// UnmarkEntry clears the in-flight marker for a queue entry
func (sl *SweepLimiter) UnmarkEntry(entryID string) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	delete(sl.inFlight, entryID)
}

// EntryInFlight reports whether an assignment attempt is running for an entry
func (sl *SweepLimiter) EntryInFlight(entryID string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	return sl.inFlight[entryID]
}
