package database

import (
	"context"
	"database/sql"
	"fmt"

	"deskrelay/internal/models"
)

// GetChannelCursor returns the stored sync cursor for a channel account, or
// an empty string for a first sync.
func (d *Database) GetChannelCursor(ctx context.Context, channel models.ChannelKind, platformID string) (string, error) {
	var cursor string
	err := d.db.QueryRowContext(ctx, selectChannelCursorQuery, channel, platformID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get channel cursor: %w", err)
	}
	return cursor, nil
}

// SaveChannelCursor persists the cursor returned by the channel's message
// sync API so the next poll resumes where this one stopped.
func (d *Database) SaveChannelCursor(ctx context.Context, channel models.ChannelKind, platformID, cursor string) error {
	err := runWithRetry(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, upsertChannelCursorQuery, channel, platformID, cursor)
		return execErr
	}, "save channel cursor")
	if err != nil {
		return fmt.Errorf("failed to save channel cursor: %w", err)
	}
	return nil
}
