package service

import (
	"context"
	"fmt"
	"sync"

	"deskrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// Replier delivers an outbound reply on a specific channel identity.
type Replier interface {
	SendReply(ctx context.Context, msg *models.CanonicalMessage, text string) error
}

// ChannelRegistry manages the mapping between channel identities and their configuration
type ChannelRegistry struct {
	channels    map[string]models.ChannelConfig // kind/platformID -> config
	repliers    map[string]Replier              // kind/platformID -> outbound replier
	orderedKeys []string                        // ordered list of channel keys (preserves config order)
	mu          sync.RWMutex
}

func channelKey(kind models.ChannelKind, platformID string) string {
	return string(kind) + "/" + platformID
}

// NewChannelRegistry creates a new channel registry from configuration.
// Disabled entries are skipped, structurally invalid entries are skipped
// with a warning.
func NewChannelRegistry(channels []models.ChannelConfig, logger *logrus.Logger) (*ChannelRegistry, error) {
	reg := &ChannelRegistry{
		channels:    make(map[string]models.ChannelConfig),
		repliers:    make(map[string]Replier),
		orderedKeys: make([]string, 0, len(channels)),
	}

	for _, channel := range channels {
		if !channel.IsEnabled() {
			logger.WithFields(logrus.Fields{
				"kind":     channel.Kind,
				"platform": channel.PlatformID,
			}).Debug("Skipping disabled channel")
			continue
		}

		if err := channel.Validate(); err != nil {
			logger.WithFields(logrus.Fields{
				"kind":     channel.Kind,
				"platform": channel.PlatformID,
				"error":    err.Error(),
			}).Warn("Skipping invalid channel configuration")
			continue
		}

		key := channelKey(channel.Kind, channel.PlatformID)
		if _, exists := reg.channels[key]; exists {
			logger.WithField("channel", key).Warn("Skipping duplicate channel identity")
			continue
		}

		reg.channels[key] = channel
		reg.orderedKeys = append(reg.orderedKeys, key)
	}

	// Ensure at least one channel survived filtering
	if len(reg.channels) == 0 {
		return nil, fmt.Errorf("no usable channels configured")
	}

	return reg, nil
}

// Get returns the configuration for a channel identity
func (r *ChannelRegistry) Get(kind models.ChannelKind, platformID string) (*models.ChannelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channel, exists := r.channels[channelKey(kind, platformID)]
	if !exists {
		return nil, fmt.Errorf("no channel configured for %s/%s", kind, platformID)
	}

	return &channel, nil
}

// Has checks if a channel identity is configured
func (r *ChannelRegistry) Has(kind models.ChannelKind, platformID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.channels[channelKey(kind, platformID)]
	return exists
}

// Enabled returns all usable channel configurations in config order
func (r *ChannelRegistry) Enabled() []models.ChannelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ChannelConfig, 0, len(r.orderedKeys))
	for _, key := range r.orderedKeys {
		out = append(out, r.channels[key])
	}

	return out
}

// Count returns the number of usable channels
func (r *ChannelRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}

// SetReplier registers the outbound replier for a channel identity
func (r *ChannelRegistry) SetReplier(kind models.ChannelKind, platformID string, replier Replier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.repliers[channelKey(kind, platformID)] = replier
}

// ReplierFor returns the outbound replier for a channel identity
func (r *ChannelRegistry) ReplierFor(kind models.ChannelKind, platformID string) (Replier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	replier, exists := r.repliers[channelKey(kind, platformID)]
	if !exists {
		return nil, fmt.Errorf("no replier registered for %s/%s", kind, platformID)
	}

	return replier, nil
}
