package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/metrics"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// MessageDispatcher processes one claimed ledger record end to end
type MessageDispatcher interface {
	Dispatch(ctx context.Context, rec *models.InboxRecord) error
}

// ConsumerDatabaseService defines the database operations needed by InboxConsumer
type ConsumerDatabaseService interface {
	SelectDispatchCandidates(ctx context.Context, channel models.ChannelKind, platformID string, batchSize, maxRetries int) ([]*models.InboxRecord, error)
	ClaimInboxRecord(ctx context.Context, channel models.ChannelKind, id string) (bool, error)
	FailInboxRecord(ctx context.Context, channel models.ChannelKind, id, errorMessage string) error
}

// InboxConsumer drains one channel identity's ledger: it claims pending
// records and hands them to the dispatcher. One record blowing up never
// takes the batch down with it.
type InboxConsumer struct {
	db          ConsumerDatabaseService
	dispatcher  MessageDispatcher
	channel     models.ChannelKind
	platformID  string
	intervalSec int
	batchSize   int
	maxRetries  int
	retryConfig models.RetryConfig
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.RWMutex
}

// NewInboxConsumer creates a new inbox consumer for one channel identity
func NewInboxConsumer(db ConsumerDatabaseService, dispatcher MessageDispatcher, channelCfg models.ChannelConfig, retryConfig models.RetryConfig, logger *logrus.Logger) *InboxConsumer {
	intervalSec := channelCfg.PollIntervalSec
	if intervalSec <= 0 {
		intervalSec = constants.DefaultConsumerPollIntervalSec
	}
	batchSize := channelCfg.BatchSize
	if batchSize <= 0 {
		batchSize = constants.DefaultConsumerBatchSize
	}
	maxRetries := channelCfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = constants.DefaultConsumerMaxRetries
	}

	return &InboxConsumer{
		db:          db,
		dispatcher:  dispatcher,
		channel:     channelCfg.Kind,
		platformID:  channelCfg.PlatformID,
		intervalSec: intervalSec,
		batchSize:   batchSize,
		maxRetries:  maxRetries,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// Start begins the background consuming process
func (ic *InboxConsumer) Start(ctx context.Context) error {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if ic.running {
		return fmt.Errorf("inbox consumer is already running")
	}

	ic.ctx, ic.cancel = context.WithCancel(ctx)
	ic.running = true

	ic.wg.Add(1)
	go ic.consumeLoop()

	ic.logger.WithFields(logrus.Fields{
		"channel":  ic.channel,
		"platform": ic.platformID,
		"interval": ic.intervalSec,
	}).Info("Inbox consumer started successfully")

	return nil
}

// Stop gracefully stops the consuming process
func (ic *InboxConsumer) Stop() {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	if !ic.running {
		return
	}

	ic.logger.WithFields(logrus.Fields{
		"channel":  ic.channel,
		"platform": ic.platformID,
	}).Info("Stopping inbox consumer...")
	ic.cancel()
	ic.wg.Wait()
	ic.running = false
	ic.logger.Info("Inbox consumer stopped")
}

// IsRunning returns whether the consumer is currently active
func (ic *InboxConsumer) IsRunning() bool {
	ic.mu.RLock()
	defer ic.mu.RUnlock()
	return ic.running
}

// consumeLoop runs the main consuming logic with exponential backoff retry
func (ic *InboxConsumer) consumeLoop() {
	defer ic.wg.Done()

	ticker := time.NewTicker(time.Duration(ic.intervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ic.ctx.Done():
			return
		case <-ticker.C:
			ic.consumeWithRetry()
		}
	}
}

// consumeWithRetry executes a single consume cycle with exponential backoff on failure
func (ic *InboxConsumer) consumeWithRetry() {
	ctx, cancel := context.WithTimeout(ic.ctx, 30*time.Second)
	defer cancel()

	backoff := time.Duration(ic.retryConfig.InitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(ic.retryConfig.MaxBackoffMs) * time.Millisecond

	for attempt := 0; attempt < ic.retryConfig.MaxAttempts; attempt++ {
		err := ic.consumeOnce(ctx)
		if err == nil {
			// Success - reset for next consume cycle
			return
		}

		if IsVerboseLogging(ctx) {
			ic.logger.WithFields(logrus.Fields{
				"channel": ic.channel,
				"attempt": attempt + 1,
				"error":   err,
				"backoff": backoff,
			}).Warn("Inbox consuming failed, retrying with backoff")
		} else {
			ic.logger.WithField("channel", ic.channel).Warn("Inbox consuming failed, retrying")
		}

		// Don't sleep on the last attempt
		if attempt < ic.retryConfig.MaxAttempts-1 {
			select {
			case <-ic.ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}
	}

	ic.logger.WithField("channel", ic.channel).Error("Inbox consuming failed after all retry attempts")
}

// consumeOnce claims and dispatches one batch of pending records. Only batch
// selection errors bubble up for retry; record failures are marked in the
// ledger and skipped.
func (ic *InboxConsumer) consumeOnce(ctx context.Context) error {
	batch, err := ic.db.SelectDispatchCandidates(ctx, ic.channel, ic.platformID, ic.batchSize, ic.maxRetries)
	if err != nil {
		return err
	}

	LogChannelPolling(ctx, ic.logger, string(ic.channel), len(batch))

	for _, rec := range batch {
		claimed, err := ic.db.ClaimInboxRecord(ctx, ic.channel, rec.ID)
		if err != nil {
			ic.logger.WithError(err).WithField("record", rec.ID).Warn("Failed to claim inbox record")
			continue
		}
		if !claimed {
			// Another worker got there first
			continue
		}

		if err := ic.processRecord(ctx, rec); err != nil {
			ic.logger.WithError(err).WithFields(logrus.Fields{
				"channel": ic.channel,
				"record":  rec.ID,
				"msgID":   SanitizeMessageID(rec.MessageID),
			}).Error("Failed to process inbox record")
			if failErr := ic.db.FailInboxRecord(ctx, ic.channel, rec.ID, err.Error()); failErr != nil {
				ic.logger.WithError(failErr).WithField("record", rec.ID).Error("Failed to mark inbox record as failed")
			}
			metrics.IncrementCounter("consumer_failures_total", map[string]string{
				"channel": string(ic.channel),
			}, "Ledger records whose dispatch failed")
			continue
		}

		metrics.IncrementCounter("consumer_processed_total", map[string]string{
			"channel": string(ic.channel),
		}, "Ledger records dispatched successfully")
	}

	return nil
}

// processRecord dispatches one record, converting panics into errors so a
// poisoned payload only fails its own record.
func (ic *InboxConsumer) processRecord(ctx context.Context, rec *models.InboxRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing record: %v", r)
		}
	}()

	return ic.dispatcher.Dispatch(ctx, rec)
}
