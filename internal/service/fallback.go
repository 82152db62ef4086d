package service

import (
	"context"
	"sync"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// fallbackScanLimit bounds how many stale entries one sweep round inspects.
const fallbackScanLimit = 100

// FallbackDatabaseService defines the database operations needed by FallbackSweeper
type FallbackDatabaseService interface {
	SelectStaleWaiting(ctx context.Context, olderThanSeconds, limit int) ([]*models.WaitingQueueEntry, error)
}

// FallbackSweeper periodically picks up waiting entries the reactive triggers
// missed, for example after a restart or when every staff member was busy at
// enqueue time. The first round runs immediately on start.
type FallbackSweeper struct {
	db          FallbackDatabaseService
	trigger     *QueueTrigger
	limiter     *SweepLimiter
	intervalSec int
	logger      *logrus.Logger
	stopCh      chan struct{}
}

// NewFallbackSweeper creates a new fallback sweeper instance
func NewFallbackSweeper(db FallbackDatabaseService, trigger *QueueTrigger, limiter *SweepLimiter, intervalSec int, logger *logrus.Logger) *FallbackSweeper {
	if intervalSec <= 0 {
		intervalSec = constants.DefaultFallbackIntervalSec
	}
	return &FallbackSweeper{
		db:          db,
		trigger:     trigger,
		limiter:     limiter,
		intervalSec: intervalSec,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start blocks and runs sweep rounds until the context ends or Stop is called
func (f *FallbackSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(f.intervalSec) * time.Second)
	defer ticker.Stop()

	f.logger.Info("Starting fallback queue sweeper")

	f.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("Fallback sweeper context cancelled, stopping")
			return
		case <-f.stopCh:
			f.logger.Info("Fallback sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			f.runSweep(ctx)
		}
	}
}

// Stop signals the sweeper to shut down
func (f *FallbackSweeper) Stop() {
	close(f.stopCh)
}

// runSweep reads stale waiting entries and re-sweeps their projects. Entries
// with an attempt already in flight are skipped; sweeping the project head
// instead of individual entries keeps the serving order intact.
func (f *FallbackSweeper) runSweep(ctx context.Context) {
	stale, err := f.db.SelectStaleWaiting(ctx, f.intervalSec, fallbackScanLimit)
	if err != nil {
		f.logger.WithError(err).Error("Failed to select stale waiting entries")
		return
	}
	if len(stale) == 0 {
		f.logger.Debug("No stale waiting entries found")
		return
	}

	seen := make(map[string]bool)
	var projects []string
	for _, entry := range stale {
		if f.limiter.EntryInFlight(entry.ID) {
			continue
		}
		if !seen[entry.ProjectID] {
			seen[entry.ProjectID] = true
			projects = append(projects, entry.ProjectID)
		}
	}

	if len(projects) == 0 {
		return
	}

	f.logger.WithFields(logrus.Fields{
		"stale":    len(stale),
		"projects": len(projects),
	}).Info("Fallback sweep picking up stale entries")

	var wg sync.WaitGroup
	for _, projectID := range projects {
		wg.Add(1)
		go func(projectID string) {
			defer wg.Done()
			if _, err := f.trigger.TriggerProject(ctx, projectID); err != nil {
				f.logger.WithError(err).WithField("project", projectID).Warn("Fallback sweep failed for project")
			}
		}(projectID)
	}
	wg.Wait()
}
