package service

import (
	"context"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/idempotency"
	"deskrelay/internal/metrics"
	"deskrelay/internal/models"
	"deskrelay/internal/validation"

	"github.com/sirupsen/logrus"
)

// IngestDatabaseService defines the database operations needed by Ingestor
type IngestDatabaseService interface {
	InsertInboxRecord(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error)
}

// Ingestor durably stages inbound messages into the per-channel ledger. An
// in-memory idempotency screen absorbs webhook re-deliveries without touching
// the database; the unique (platform, message) index in the ledger remains
// the source of truth.
type Ingestor struct {
	db     IngestDatabaseService
	seen   *idempotency.Store
	logger *logrus.Logger
}

// NewIngestor creates a new ingestor instance
func NewIngestor(db IngestDatabaseService, ttlSec int, logger *logrus.Logger) *Ingestor {
	if ttlSec <= 0 {
		ttlSec = constants.DefaultIdempotencyTTLSec
	}
	return &Ingestor{
		db:     db,
		seen:   idempotency.NewStore(time.Duration(ttlSec) * time.Second),
		logger: logger,
	}
}

// Ingest stages one inbound message. Duplicates are reported as such, never
// as errors, so transports can acknowledge re-deliveries.
func (i *Ingestor) Ingest(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error) {
	if err := validation.ValidateChannelKind(string(rec.Channel)); err != nil {
		return models.InsertDuplicate, err
	}
	// Mailbox ledgers use the account address as their platform identity
	if rec.Channel == models.ChannelEmail {
		if err := validation.ValidateEmailAddress(rec.PlatformID); err != nil {
			return models.InsertDuplicate, err
		}
	} else if err := validation.ValidatePlatformID(rec.PlatformID); err != nil {
		return models.InsertDuplicate, err
	}
	if err := validation.ValidateMessageID(rec.MessageID); err != nil {
		return models.InsertDuplicate, err
	}
	if err := validation.ValidateMessageContent(rec.Content); err != nil {
		return models.InsertDuplicate, err
	}

	key := ingestKey(rec.Channel, rec.PlatformID, rec.MessageID)
	if i.seen.Seen(key) {
		i.logger.WithFields(logrus.Fields{
			"channel":  rec.Channel,
			"platform": rec.PlatformID,
			"msgID":    SanitizeMessageID(rec.MessageID),
		}).Debug("Duplicate message screened before the ledger")
		metrics.IncrementCounter("ingest_duplicates_total", map[string]string{
			"channel": string(rec.Channel),
			"stage":   "screen",
		}, "Inbound messages recognized as duplicates")
		return models.InsertDuplicate, nil
	}

	outcome, err := i.db.InsertInboxRecord(ctx, rec)
	if err != nil {
		return outcome, err
	}
	i.seen.Mark(key)

	if outcome == models.InsertDuplicate {
		i.logger.WithFields(logrus.Fields{
			"channel":  rec.Channel,
			"platform": rec.PlatformID,
			"msgID":    SanitizeMessageID(rec.MessageID),
		}).Debug("Duplicate message rejected by the ledger")
		metrics.IncrementCounter("ingest_duplicates_total", map[string]string{
			"channel": string(rec.Channel),
			"stage":   "ledger",
		}, "Inbound messages recognized as duplicates")
		return outcome, nil
	}

	i.logger.WithFields(logrus.Fields{
		"channel":  rec.Channel,
		"platform": rec.PlatformID,
		"msgID":    SanitizeMessageID(rec.MessageID),
		"sender":   SanitizeUserID(rec.FromUser),
	}).Debug("Inbound message staged")
	metrics.IncrementCounter("ingest_stored_total", map[string]string{
		"channel": string(rec.Channel),
	}, "Inbound messages durably staged")

	return outcome, nil
}

func ingestKey(channel models.ChannelKind, platformID, messageID string) string {
	return string(channel) + "|" + platformID + "|" + messageID
}
