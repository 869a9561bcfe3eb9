package archive

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage. Useful for testing
// and development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemoryStore creates an in-memory archive store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[entry.DeadLetterMsgID]; ok {
		return nil
	}
	cp := *entry
	cp.Fields = make(map[string]string, len(entry.Fields))
	for k, v := range entry.Fields {
		cp.Fields[k] = v
	}
	if cp.ArchivedAt.IsZero() {
		cp.ArchivedAt = s.now()
	}
	s.entries[entry.DeadLetterMsgID] = &cp
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, deadLetterMsgID string) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[deadLetterMsgID]
	if !ok {
		return nil, false, nil
	}
	cp := *entry
	return &cp, true, nil
}

// Len returns the number of archived entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CountOlderThan implements Store.
func (s *MemoryStore) CountOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var n int64
	for _, entry := range s.entries {
		if entry.ArchivedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan implements Store.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var n int64
	for id, entry := range s.entries {
		if entry.ArchivedAt.Before(cutoff) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
