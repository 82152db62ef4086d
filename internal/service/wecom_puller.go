package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// WecomSyncClient pulls customer service messages from the WeCom sync API.
// The client pages internally and returns the cursor to store for next time.
type WecomSyncClient interface {
	SyncMessages(ctx context.Context, cursor, token string) ([]*models.InboxRecord, string, error)
}

// CursorDatabaseService defines the database operations needed by WecomPuller
type CursorDatabaseService interface {
	GetChannelCursor(ctx context.Context, channel models.ChannelKind, platformID string) (string, error)
	SaveChannelCursor(ctx context.Context, channel models.ChannelKind, platformID, cursor string) error
}

// WecomPuller drains the WeCom message stream. Callbacks only announce that
// new messages exist; the actual content comes from cursor-based sync pulls.
// Webhook kicks trigger an immediate pull, a slow ticker covers missed kicks.
type WecomPuller struct {
	client      WecomSyncClient
	stager      MessageStager
	db          CursorDatabaseService
	platformID  string
	intervalSec int
	kickCh      chan string
	logger      *logrus.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	mu          sync.RWMutex
}

// NewWecomPuller creates a new puller for one WeCom channel identity
func NewWecomPuller(client WecomSyncClient, stager MessageStager, db CursorDatabaseService, channelCfg models.ChannelConfig, logger *logrus.Logger) *WecomPuller {
	intervalSec := channelCfg.PollIntervalSec
	if intervalSec <= 0 {
		intervalSec = constants.DefaultWecomPollIntervalSec
	}

	return &WecomPuller{
		client:      client,
		stager:      stager,
		db:          db,
		platformID:  channelCfg.PlatformID,
		intervalSec: intervalSec,
		kickCh:      make(chan string, 1),
		logger:      logger,
	}
}

// Start begins the background pulling process
func (wp *WecomPuller) Start(ctx context.Context) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return fmt.Errorf("wecom puller is already running")
	}

	wp.ctx, wp.cancel = context.WithCancel(ctx)
	wp.running = true

	wp.wg.Add(1)
	go wp.pullLoop()

	wp.logger.WithFields(logrus.Fields{
		"platform": wp.platformID,
		"interval": wp.intervalSec,
	}).Info("WeCom puller started successfully")

	return nil
}

// Stop gracefully stops the pulling process
func (wp *WecomPuller) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}

	wp.logger.WithField("platform", wp.platformID).Info("Stopping WeCom puller...")
	wp.cancel()
	wp.wg.Wait()
	wp.running = false
	wp.logger.Info("WeCom puller stopped")
}

// IsRunning returns whether the puller is currently active
func (wp *WecomPuller) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// Kick requests an immediate pull. The token comes from the webhook callback
// and authorizes the next sync call. Kicks collapse while a pull is pending.
func (wp *WecomPuller) Kick(token string) {
	select {
	case wp.kickCh <- token:
	default:
	}
}

func (wp *WecomPuller) pullLoop() {
	defer wp.wg.Done()

	ticker := time.NewTicker(time.Duration(wp.intervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			return
		case token := <-wp.kickCh:
			wp.pullOnce(token)
		case <-ticker.C:
			wp.pullOnce("")
		}
	}
}

// pullOnce syncs from the stored cursor and stages everything it got. The
// cursor only advances when the whole batch was staged, so a failure replays
// the batch and the ledger swallows the duplicates.
func (wp *WecomPuller) pullOnce(token string) {
	ctx, cancel := context.WithTimeout(wp.ctx, 30*time.Second)
	defer cancel()

	cursor, err := wp.db.GetChannelCursor(ctx, models.ChannelWecom, wp.platformID)
	if err != nil {
		wp.logger.WithError(err).WithField("platform", wp.platformID).Error("Failed to load WeCom cursor")
		return
	}

	records, nextCursor, err := wp.client.SyncMessages(ctx, cursor, token)
	if err != nil {
		wp.logger.WithError(err).WithField("platform", wp.platformID).Error("Failed to sync WeCom messages")
		return
	}

	LogChannelPolling(ctx, wp.logger, string(models.ChannelWecom), len(records))

	staged := true
	for _, rec := range records {
		if _, err := wp.stager.Ingest(ctx, rec); err != nil {
			wp.logger.WithError(err).WithFields(logrus.Fields{
				"platform": wp.platformID,
				"msgID":    SanitizeMessageID(rec.MessageID),
			}).Warn("Failed to stage WeCom message")
			staged = false
		}
	}

	if !staged || nextCursor == cursor {
		return
	}

	if err := wp.db.SaveChannelCursor(ctx, models.ChannelWecom, wp.platformID, nextCursor); err != nil {
		wp.logger.WithError(err).WithField("platform", wp.platformID).Error("Failed to save WeCom cursor")
	}
}
