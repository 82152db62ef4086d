package service

import (
	"context"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// CleanupDatabaseService defines the database operations needed by CleanupSweeper
type CleanupDatabaseService interface {
	SelectExpiredWaiting(ctx context.Context, limit int) ([]*models.WaitingQueueEntry, error)
}

// Expirer times out a waiting queue entry
type Expirer interface {
	Expire(ctx context.Context, entry *models.WaitingQueueEntry) (bool, error)
}

// CleanupSweeper expires waiting entries that sat past their project's wait
// timeout. Expiration is terminal: once the deadline passed the entry can
// only leave the queue, it is never handed to staff.
type CleanupSweeper struct {
	db          CleanupDatabaseService
	expirer     Expirer
	intervalSec int
	logger      *logrus.Logger
	stopCh      chan struct{}
}

// NewCleanupSweeper creates a new cleanup sweeper instance
func NewCleanupSweeper(db CleanupDatabaseService, expirer Expirer, intervalSec int, logger *logrus.Logger) *CleanupSweeper {
	if intervalSec <= 0 {
		intervalSec = constants.DefaultCleanupIntervalSec
	}
	return &CleanupSweeper{
		db:          db,
		expirer:     expirer,
		intervalSec: intervalSec,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start blocks and runs cleanup rounds until the context ends or Stop is called
func (c *CleanupSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.intervalSec) * time.Second)
	defer ticker.Stop()

	c.logger.Info("Starting queue cleanup sweeper")

	c.runCleanup(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Cleanup sweeper context cancelled, stopping")
			return
		case <-c.stopCh:
			c.logger.Info("Cleanup sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			c.runCleanup(ctx)
		}
	}
}

// Stop signals the sweeper to shut down
func (c *CleanupSweeper) Stop() {
	close(c.stopCh)
}

func (c *CleanupSweeper) runCleanup(ctx context.Context) {
	total := 0
	for {
		batch, err := c.db.SelectExpiredWaiting(ctx, constants.CleanupBatchSize)
		if err != nil {
			c.logger.WithError(err).Error("Failed to select expired waiting entries")
			return
		}
		if len(batch) == 0 {
			break
		}

		expired := 0
		for _, entry := range batch {
			done, err := c.expirer.Expire(ctx, entry)
			if err != nil {
				c.logger.WithError(err).WithField("entry", entry.ID).Warn("Failed to expire queue entry")
				continue
			}
			if done {
				expired++
			}
		}
		total += expired

		// Stop on a round with no progress
		if expired == 0 || len(batch) < constants.CleanupBatchSize {
			break
		}
	}

	if total > 0 {
		c.logger.WithField("count", total).Info("Expired overdue queue entries")
	}
}
