package cache

import (
	"context"
	"sync"
	"time"

	"doublet/internal/doublet/models"
)

type cachedContact struct {
	contact   models.Contact
	expiresAt time.Time
}

// MemoryStore keeps matches in process memory. Expired entries are dropped
// lazily on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]cachedContact
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]cachedContact),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.Contact, error) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(cached.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	contact := cached.contact
	return &contact, nil
}

// Set stores a copy of contact. A nil contact or non-positive ttl is a no-op.
func (s *MemoryStore) Set(_ context.Context, key string, contact *models.Contact, ttl time.Duration) error {
	if contact == nil || ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = cachedContact{contact: *contact, expiresAt: s.now().Add(ttl)}
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
