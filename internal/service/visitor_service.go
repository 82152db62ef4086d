package service

import (
	"context"
	"sync"
	"time"

	"deskrelay/internal/constants"
	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// VisitorDirectoryInterface defines the interface for visitor identity operations
type VisitorDirectoryInterface interface {
	ResolveVisitor(ctx context.Context, projectID string, channel models.ChannelKind, externalID, displayName, avatarURL string) (*models.Visitor, error)
}

// VisitorDatabaseService defines the database operations needed by VisitorDirectory
type VisitorDatabaseService interface {
	UpsertVisitor(ctx context.Context, v *models.Visitor) (*models.Visitor, error)
	GetVisitorByExternalID(ctx context.Context, projectID, channelType, externalID string) (*models.Visitor, error)
}

type cachedVisitor struct {
	visitor  *models.Visitor
	cachedAt time.Time
}

// VisitorDirectory provides visitor identity caching and registration
type VisitorDirectory struct {
	db       VisitorDatabaseService
	logger   *logrus.Logger
	cacheTTL time.Duration
	cache    map[string]cachedVisitor
	mu       sync.RWMutex
}

// NewVisitorDirectory creates a new visitor directory instance
func NewVisitorDirectory(db VisitorDatabaseService, logger *logrus.Logger) *VisitorDirectory {
	return NewVisitorDirectoryWithConfig(db, logger, constants.DefaultVisitorCacheTTLSec)
}

// NewVisitorDirectoryWithConfig creates a new visitor directory instance with a custom cache TTL
func NewVisitorDirectoryWithConfig(db VisitorDatabaseService, logger *logrus.Logger, cacheTTLSec int) *VisitorDirectory {
	if cacheTTLSec <= 0 {
		cacheTTLSec = constants.DefaultVisitorCacheTTLSec
	}
	return &VisitorDirectory{
		db:       db,
		logger:   logger,
		cacheTTL: time.Duration(cacheTTLSec) * time.Second,
		cache:    make(map[string]cachedVisitor),
	}
}

func visitorKey(projectID string, channel models.ChannelKind, externalID string) string {
	return projectID + "|" + string(channel) + "|" + externalID
}

// ResolveVisitor maps a channel identity to its directory row, registering a
// new visitor when the identity is unknown. The cache only short-circuits the
// identity lookup; lifecycle decisions must read the visitor fresh.
func (vd *VisitorDirectory) ResolveVisitor(ctx context.Context, projectID string, channel models.ChannelKind, externalID, displayName, avatarURL string) (*models.Visitor, error) {
	key := visitorKey(projectID, channel, externalID)

	vd.mu.RLock()
	entry, ok := vd.cache[key]
	vd.mu.RUnlock()

	// If cached, not too old, and the profile has not moved, use it
	if ok && time.Since(entry.cachedAt) < vd.cacheTTL && !profileChanged(entry.visitor, displayName, avatarURL) {
		copied := *entry.visitor
		return &copied, nil
	}

	visitor, err := vd.db.UpsertVisitor(ctx, &models.Visitor{
		ProjectID:   projectID,
		ChannelType: string(channel),
		ExternalID:  externalID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	})
	if err != nil {
		// Fallback to cached identity even if old
		if ok {
			vd.logger.WithError(err).WithFields(logrus.Fields{
				"project": projectID,
				"channel": channel,
			}).Warn("Visitor upsert failed, using cached identity")
			copied := *entry.visitor
			return &copied, nil
		}
		return nil, err
	}

	vd.mu.Lock()
	vd.cache[key] = cachedVisitor{visitor: visitor, cachedAt: time.Now()}
	vd.mu.Unlock()

	copied := *visitor
	return &copied, nil
}

func profileChanged(cached *models.Visitor, displayName, avatarURL string) bool {
	if displayName != "" && displayName != cached.DisplayName {
		return true
	}
	if avatarURL != "" && avatarURL != cached.AvatarURL {
		return true
	}
	return false
}

// CacheSize returns the number of cached visitor identities
func (vd *VisitorDirectory) CacheSize() int {
	vd.mu.RLock()
	defer vd.mu.RUnlock()

	return len(vd.cache)
}
