package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"
	"deskrelay/pkg/mailbox"

	"github.com/sirupsen/logrus"
)

// MessageStager durably stages an inbound message
type MessageStager interface {
	Ingest(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error)
}

// MailboxClient defines the mailbox operations needed by MailboxSupervisor
type MailboxClient interface {
	FetchUnseen(ctx context.Context) ([]mailbox.FetchedMessage, error)
	MarkSeen(ctx context.Context, uids []uint32) error
}

// MailboxSupervisor polls one IMAP account and stages new mail into the
// email ledger. Messages are only flagged seen once the ledger accepted them,
// so a crash between fetch and stage re-delivers instead of losing mail.
type MailboxSupervisor struct {
	client      MailboxClient
	stager      MessageStager
	platformID  string
	intervalSec int
	retryConfig models.RetryConfig
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.RWMutex
}

// NewMailboxSupervisor creates a new mailbox supervisor for one email channel
func NewMailboxSupervisor(client MailboxClient, stager MessageStager, channelCfg models.ChannelConfig, retryConfig models.RetryConfig, logger *logrus.Logger) *MailboxSupervisor {
	intervalSec := channelCfg.PollIntervalSec
	if intervalSec <= 0 {
		intervalSec = constants.DefaultMailPollIntervalSec
	}

	return &MailboxSupervisor{
		client:      client,
		stager:      stager,
		platformID:  channelCfg.PlatformID,
		intervalSec: intervalSec,
		retryConfig: retryConfig,
		logger:      logger,
	}
}

// Start begins the background mailbox polling process
func (ms *MailboxSupervisor) Start(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.running {
		return fmt.Errorf("mailbox supervisor is already running")
	}

	ms.ctx, ms.cancel = context.WithCancel(ctx)
	ms.running = true

	ms.wg.Add(1)
	go ms.pollLoop()

	ms.logger.WithFields(logrus.Fields{
		"platform": ms.platformID,
		"interval": ms.intervalSec,
	}).Info("Mailbox supervisor started successfully")

	return nil
}

// Stop gracefully stops the polling process
func (ms *MailboxSupervisor) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.running {
		return
	}

	ms.logger.WithField("platform", ms.platformID).Info("Stopping mailbox supervisor...")
	ms.cancel()
	ms.wg.Wait()
	ms.running = false
	ms.logger.Info("Mailbox supervisor stopped")
}

// IsRunning returns whether the supervisor is currently active
func (ms *MailboxSupervisor) IsRunning() bool {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.running
}

func (ms *MailboxSupervisor) pollLoop() {
	defer ms.wg.Done()

	ticker := time.NewTicker(time.Duration(ms.intervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ms.ctx.Done():
			return
		case <-ticker.C:
			ms.pollWithRetry()
		}
	}
}

// pollWithRetry executes a single poll attempt with exponential backoff on failure
func (ms *MailboxSupervisor) pollWithRetry() {
	ctx, cancel := context.WithTimeout(ms.ctx, 60*time.Second)
	defer cancel()

	backoff := time.Duration(ms.retryConfig.InitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(ms.retryConfig.MaxBackoffMs) * time.Millisecond

	for attempt := 0; attempt < ms.retryConfig.MaxAttempts; attempt++ {
		err := ms.pollOnce(ctx)
		if err == nil {
			return
		}

		ms.logger.WithFields(logrus.Fields{
			"platform": ms.platformID,
			"attempt":  attempt + 1,
			"error":    err,
		}).Warn("Mailbox polling failed, retrying")

		// Don't sleep on the last attempt
		if attempt < ms.retryConfig.MaxAttempts-1 {
			select {
			case <-ms.ctx.Done():
				return
			case <-time.After(backoff):
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
			}
		}
	}

	ms.logger.WithField("platform", ms.platformID).Error("Mailbox polling failed after all retry attempts")
}

// pollOnce fetches unseen mail and stages it. A message that could not be
// staged keeps its unseen flag and comes back on the next poll; the ledger
// absorbs the duplicate staging of everything that did succeed.
func (ms *MailboxSupervisor) pollOnce(ctx context.Context) error {
	fetched, err := ms.client.FetchUnseen(ctx)
	if err != nil {
		return err
	}

	LogChannelPolling(ctx, ms.logger, string(models.ChannelEmail), len(fetched))
	if len(fetched) == 0 {
		return nil
	}

	var seen []uint32
	for _, m := range fetched {
		if _, err := ms.stager.Ingest(ctx, m.Record); err != nil {
			ms.logger.WithError(err).WithFields(logrus.Fields{
				"platform": ms.platformID,
				"msgID":    SanitizeMessageID(m.Record.MessageID),
			}).Warn("Failed to stage mail message")
			continue
		}
		seen = append(seen, m.UID)
	}

	if len(seen) > 0 {
		if err := ms.client.MarkSeen(ctx, seen); err != nil {
			ms.logger.WithError(err).WithField("platform", ms.platformID).Warn("Failed to flag staged mail as seen")
		}
	}

	return nil
}
