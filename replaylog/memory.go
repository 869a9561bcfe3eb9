package replaylog

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage. Useful for testing
// and development; records are lost on restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an in-memory replay-log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, rec *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.OriginalMsgID]; ok {
		return false, nil
	}
	cp := *rec
	if cp.ReplayedAt.IsZero() {
		cp.ReplayedAt = s.now()
	}
	s.records[rec.OriginalMsgID] = &cp
	return true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, originalMsgID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[originalMsgID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// SetNewMessageID implements Store.
func (s *MemoryStore) SetNewMessageID(_ context.Context, originalMsgID, newMsgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[originalMsgID]; ok {
		rec.NewMsgID = newMsgID
	}
	return nil
}

// CountOlderThan implements Store.
func (s *MemoryStore) CountOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var n int64
	for _, rec := range s.records {
		if rec.ReplayedAt.Before(cutoff) {
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
	for id, rec := range s.records {
		if rec.ReplayedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
