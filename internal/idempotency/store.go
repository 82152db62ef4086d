package idempotency

import (
	"sync"
	"time"
)

// Store is an in-process set of recently seen message keys with per-entry
// expiry. It is a fast pre-check in front of the ledger's unique constraint,
// which remains the source of truth; losing the set on restart only costs a
// few duplicate insert attempts.
type Store struct {
	mu       sync.Mutex
	deadline map[string]time.Time
	ttl      time.Duration
}

// NewStore creates a store whose entries expire after ttl.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		deadline: make(map[string]time.Time),
		ttl:      ttl,
	}
}

// Seen reports whether key was marked within the TTL window.
func (s *Store) Seen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.deadline[key]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(s.deadline, key)
		return false
	}
	return true
}

// Mark records key as seen, resetting its expiry. Expired entries are swept
// opportunistically so the map does not grow without bound.
func (s *Store) Mark(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if len(s.deadline) > 0 && len(s.deadline)%1024 == 0 {
		for k, expiry := range s.deadline {
			if now.After(expiry) {
				delete(s.deadline, k)
			}
		}
	}

	s.deadline[key] = now.Add(s.ttl)
}

// Len returns the number of tracked keys, counting entries not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadline)
}
