package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/backstop-io/backstop"
)

// MemoryStore implements Store using in-memory storage. Useful for testing
// and development.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[int64]*Record
	nextID      int64
	backoffBase time.Duration
	backoffMax  time.Duration
	claimTTL    time.Duration
	now         func() time.Time
}

// NewMemoryStore creates an in-memory outbox store with the same default
// failure backoff and claim TTL as the PostgreSQL store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[int64]*Record),
		nextID:      1,
		backoffBase: time.Minute,
		backoffMax:  time.Hour,
		claimTTL:    5 * time.Minute,
		now:         time.Now,
	}
}

// WithBackoff sets the retry backoff schedule for failed deliveries. Returns
// the store for chaining.
func (s *MemoryStore) WithBackoff(base, max time.Duration) *MemoryStore {
	s.backoffBase = base
	s.backoffMax = max
	return s
}

// WithClaimTTL sets how long a claim suppresses eligibility before it is
// treated as abandoned. Returns the store for chaining.
func (s *MemoryStore) WithClaimTTL(ttl time.Duration) *MemoryStore {
	s.claimTTL = ttl
	return s
}

// Add inserts a record and returns its assigned id. This stands in for the
// producer-side transactional insert.
func (s *MemoryStore) Add(_ context.Context, rec *Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.ID = s.nextID
	s.nextID++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	if cp.ProcessAfter.IsZero() {
		cp.ProcessAfter = cp.CreatedAt
	}
	s.records[cp.ID] = &cp
	return cp.ID, nil
}

// Get returns a copy of the record by id. The boolean is false when no such
// record exists.
func (s *MemoryStore) Get(_ context.Context, id int64) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// Claim implements Store.
func (s *MemoryStore) Claim(_ context.Context, processorID string, batchSize int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stale := now.Add(-s.claimTTL)
	var eligible []*Record
	for _, rec := range s.records {
		if rec.ProcessedAt != nil || rec.ProcessAfter.After(now) {
			continue
		}
		// A live claim hides the record; an abandoned one is taken over.
		if rec.ClaimedAt != nil && rec.ClaimedAt.After(stale) {
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].ProcessAfter.Equal(eligible[j].ProcessAfter) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].ProcessAfter.Before(eligible[j].ProcessAfter)
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	claimed := make([]*Record, 0, len(eligible))
	for _, rec := range eligible {
		rec.ClaimedBy = processorID
		at := now
		rec.ClaimedAt = &at
		cp := *rec
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, eventID int64, processorID string, success bool, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[eventID]
	if !ok || rec.ClaimedBy != processorID || rec.ProcessedAt != nil {
		return nil
	}

	now := s.now()
	if success {
		rec.ProcessedAt = &now
		return nil
	}

	rec.RetryCount++
	rec.ProcessAfter = now.Add(backstop.Backoff(s.backoffBase, s.backoffMax, rec.RetryCount))
	if procErr != nil {
		rec.LastError = procErr.Error()
	}
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	return nil
}

// CountProcessedOlderThan implements Store.
func (s *MemoryStore) CountProcessedOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var n int64
	for _, rec := range s.records {
		if rec.ProcessedAt != nil && rec.ProcessedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

// DeleteProcessedOlderThan implements Store.
func (s *MemoryStore) DeleteProcessedOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-age)
	var n int64
	for id, rec := range s.records {
		if rec.ProcessedAt != nil && rec.ProcessedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
