package service

import (
	"context"
	"time"

	"deskrelay/internal/metrics"

	"github.com/sirupsen/logrus"
)

type StalePendingCounter interface {
	StalePendingCount(ctx context.Context, olderThan time.Duration) (int, error)
}

// BacklogMonitor watches the inbox ledgers for pending records older than the
// stale threshold. Fresh pending records are normal between poll rounds; old
// ones mean the consumers are wedged or a channel stopped draining.
type BacklogMonitor struct {
	db             StalePendingCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	logger         *logrus.Logger
	stopCh         chan struct{}
}

func NewBacklogMonitor(db StalePendingCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *BacklogMonitor {
	return &BacklogMonitor{
		db:             db,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *BacklogMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting backlog monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkBacklog(ctx)
		}
	}
}

func (m *BacklogMonitor) Stop() {
	close(m.stopCh)
}

func (m *BacklogMonitor) checkBacklog(ctx context.Context) {
	count, err := m.db.StalePendingCount(ctx, m.staleThreshold)
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale pending records")
		return
	}
	metrics.SetGauge("inbox_stale_pending", float64(count), nil, "Pending inbox records older than the stale threshold")
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Inbox records pending past the stale threshold")
	}
}
