package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/google/uuid"
)

var inboxTables = map[models.ChannelKind]string{
	models.ChannelDingTalk: "dingtalk_inbox",
	models.ChannelFeishu:   "feishu_inbox",
	models.ChannelWecom:    "wecom_inbox",
	models.ChannelEmail:    "email_inbox",
}

// inboxTable resolves the per-channel ledger table. Table names never come
// from caller input, so the templates in queries.go are safe to format.
func inboxTable(channel models.ChannelKind) (string, error) {
	table, ok := inboxTables[channel]
	if !ok {
		return "", fmt.Errorf("unknown channel kind: %s", channel)
	}
	return table, nil
}

// InsertInboxRecord stores a new ledger record with status pending. A record
// whose (platform_id, message_id) already exists is left untouched and the
// insert reports a duplicate, so producers can treat re-deliveries as success.
func (d *Database) InsertInboxRecord(ctx context.Context, rec *models.InboxRecord) (models.InsertOutcome, error) {
	table, err := inboxTable(rec.Channel)
	if err != nil {
		return models.InsertDuplicate, err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	encryptedMessageID, err := d.encryptor.EncryptForLookupIfEnabled(rec.MessageID)
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to encrypt message ID: %w", err)
	}

	encryptedFromUser, err := d.encryptor.EncryptIfEnabled(rec.FromUser)
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to encrypt sender: %w", err)
	}

	encryptedSenderName, err := d.encryptor.EncryptIfEnabled(rec.SenderName)
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to encrypt sender name: %w", err)
	}

	encryptedContent, err := d.encryptor.EncryptIfEnabled(rec.Content)
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to encrypt content: %w", err)
	}

	encryptedPayload, err := d.encryptor.EncryptIfEnabled(rec.RawPayload)
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	query := fmt.Sprintf(insertInboxQueryTpl, table)

	var rows int64
	err = runWithRetry(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, query,
			rec.ID, rec.PlatformID, encryptedMessageID, encryptedFromUser,
			encryptedSenderName, rec.MsgType, encryptedContent, encryptedPayload,
			rec.ReceivedAt)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	}, "insert inbox record")
	if err != nil {
		return models.InsertDuplicate, fmt.Errorf("failed to insert inbox record: %w", err)
	}

	if rows == 0 {
		return models.InsertDuplicate, nil
	}
	return models.InsertStored, nil
}

// GetInboxRecord fetches a single ledger record, or (nil, nil) when absent.
func (d *Database) GetInboxRecord(ctx context.Context, channel models.ChannelKind, id string) (*models.InboxRecord, error) {
	table, err := inboxTable(channel)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(selectInboxByIDQueryTpl, table)
	row := d.db.QueryRowContext(ctx, query, id)

	rec, err := d.scanInboxRecord(row, channel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get inbox record: %w", err)
	}
	return rec, nil
}

// SelectDispatchCandidates returns the records a consumer cycle should try to
// claim: pending ones oldest first up to batchSize, then failed ones whose
// retry budget and backoff window allow another attempt. The failed query
// overscans because backoff eligibility is computed here, not in SQL.
func (d *Database) SelectDispatchCandidates(ctx context.Context, channel models.ChannelKind, platformID string, batchSize, maxRetries int) ([]*models.InboxRecord, error) {
	table, err := inboxTable(channel)
	if err != nil {
		return nil, err
	}

	pendingQuery := fmt.Sprintf(selectPendingInboxQueryTpl, table)
	candidates, err := d.queryInboxRecords(ctx, channel, pendingQuery, platformID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending records: %w", err)
	}

	retryQuery := fmt.Sprintf(selectRetryableInboxQueryTpl, table)
	failed, err := d.queryInboxRecords(ctx, channel, retryQuery, platformID, maxRetries, batchSize*constants.FailedCandidateOverscan)
	if err != nil {
		return nil, fmt.Errorf("failed to select failed records: %w", err)
	}

	now := time.Now()
	for _, rec := range failed {
		if retryBackoffElapsed(rec, now) {
			candidates = append(candidates, rec)
		}
	}

	return candidates, nil
}

// retryBackoffElapsed reports whether a failed record's exponential backoff
// window has passed. The delay is max(1, 2^retry_count) seconds counted from
// processed_at; records without processed_at are immediately eligible.
func retryBackoffElapsed(rec *models.InboxRecord, now time.Time) bool {
	if rec.ProcessedAt == nil {
		return true
	}

	seconds := int64(1)
	if rec.RetryCount > 0 && rec.RetryCount < 31 {
		seconds = int64(1) << rec.RetryCount
	} else if rec.RetryCount >= 31 {
		seconds = int64(1) << 30
	}

	return !now.Before(rec.ProcessedAt.Add(time.Duration(seconds) * time.Second))
}

// ClaimInboxRecord moves a candidate to processing. The status guard makes
// the claim optimistic: a second consumer updating the same row sees zero
// rows affected and skips it.
func (d *Database) ClaimInboxRecord(ctx context.Context, channel models.ChannelKind, id string) (bool, error) {
	table, err := inboxTable(channel)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(claimInboxQueryTpl, table)

	var rows int64
	err = runWithRetry(ctx, func() error {
		result, execErr := d.db.ExecContext(ctx, query, id)
		if execErr != nil {
			return execErr
		}
		rows, execErr = result.RowsAffected()
		return execErr
	}, "claim inbox record")
	if err != nil {
		return false, fmt.Errorf("failed to claim inbox record: %w", err)
	}

	return rows == 1, nil
}

// CompleteInboxRecord finalizes a processed record with the reply it got.
func (d *Database) CompleteInboxRecord(ctx context.Context, channel models.ChannelKind, id, aiReply string) error {
	table, err := inboxTable(channel)
	if err != nil {
		return err
	}

	encryptedReply, err := d.encryptor.EncryptIfEnabled(aiReply)
	if err != nil {
		return fmt.Errorf("failed to encrypt reply: %w", err)
	}

	query := fmt.Sprintf(completeInboxQueryTpl, table)
	err = runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, query, encryptedReply, id)
		return execErr
	}, "complete inbox record")
	if err != nil {
		return fmt.Errorf("failed to complete inbox record: %w", err)
	}
	return nil
}

// FailInboxRecord marks a processing attempt as failed, bumping retry_count
// and stamping processed_at so the backoff window restarts.
func (d *Database) FailInboxRecord(ctx context.Context, channel models.ChannelKind, id, errorMessage string) error {
	table, err := inboxTable(channel)
	if err != nil {
		return err
	}

	errorMessage = truncateErrorMessage(errorMessage)

	query := fmt.Sprintf(failInboxQueryTpl, table)
	err = runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, query, errorMessage, id)
		return execErr
	}, "fail inbox record")
	if err != nil {
		return fmt.Errorf("failed to mark inbox record failed: %w", err)
	}
	return nil
}

// truncateErrorMessage bounds stored errors by byte length, backing off to
// the nearest rune boundary so a multibyte character is never split.
func truncateErrorMessage(message string) string {
	if len(message) <= constants.MaxErrorMessageLength {
		return message
	}
	cut := constants.MaxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// InboxStatusCounts reports how many records each status holds for a platform.
func (d *Database) InboxStatusCounts(ctx context.Context, channel models.ChannelKind, platformID string) (map[models.InboxStatus]int, error) {
	table, err := inboxTable(channel)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(countInboxByStatusQueryTpl, table)
	rows, err := d.db.QueryContext(ctx, query, platformID)
	if err != nil {
		return nil, fmt.Errorf("failed to count inbox records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[models.InboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan inbox counts: %w", err)
		}
		counts[models.InboxStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inbox counts: %w", err)
	}

	return counts, nil
}

// StalePendingCount reports how many pending records across every ledger were
// staged more than olderThan ago. A growing count means the consumers stopped
// draining.
func (d *Database) StalePendingCount(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := fmt.Sprintf("-%d seconds", int(olderThan.Seconds()))

	total := 0
	for _, table := range inboxTables {
		query := fmt.Sprintf(stalePendingCountQueryTpl, table)
		var count int
		if err := d.db.QueryRowContext(ctx, query, cutoff).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count stale pending records: %w", err)
		}
		total += count
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) queryInboxRecords(ctx context.Context, channel models.ChannelKind, query string, args ...interface{}) ([]*models.InboxRecord, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*models.InboxRecord
	for rows.Next() {
		rec, err := d.scanInboxRecord(rows, channel)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (d *Database) scanInboxRecord(row rowScanner, channel models.ChannelKind) (*models.InboxRecord, error) {
	rec := &models.InboxRecord{Channel: channel}

	var encryptedMessageID, encryptedFromUser string
	var senderName, content, rawPayload, aiReply, errorMessage sql.NullString
	var receivedAt, processedAt sql.NullTime
	var status string

	err := row.Scan(
		&rec.ID,
		&rec.PlatformID,
		&encryptedMessageID,
		&encryptedFromUser,
		&senderName,
		&rec.MsgType,
		&content,
		&rawPayload,
		&aiReply,
		&status,
		&errorMessage,
		&rec.RetryCount,
		&receivedAt,
		&rec.FetchedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = models.InboxStatus(status)
	rec.ErrorMessage = errorMessage.String
	if receivedAt.Valid {
		t := receivedAt.Time
		rec.ReceivedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}

	rec.MessageID, err = d.encryptor.DecryptIfEnabled(encryptedMessageID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message ID: %w", err)
	}

	rec.FromUser, err = d.encryptor.DecryptIfEnabled(encryptedFromUser)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sender: %w", err)
	}

	rec.SenderName, err = d.encryptor.DecryptIfEnabled(senderName.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt sender name: %w", err)
	}

	rec.Content, err = d.encryptor.DecryptIfEnabled(content.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content: %w", err)
	}

	rec.RawPayload, err = d.encryptor.DecryptIfEnabled(rawPayload.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	rec.AIReply, err = d.encryptor.DecryptIfEnabled(aiReply.String)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt reply: %w", err)
	}

	return rec, nil
}
