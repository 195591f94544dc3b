package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/posinsight/posinsight/internal/policy"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
// Appends are linearized by the mutex; IDs are gap-free and strictly
// increasing.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

// NewMemoryStore creates an in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rec
	stored.ID = s.nextID
	s.nextID++
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.records = append(s.records, &stored)

	out := stored
	return &out, nil
}

func (s *MemoryStore) AttachEvidence(ctx context.Context, createdAt time.Time, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Most recent match wins
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if !rec.CreatedAt.Equal(createdAt) {
			continue
		}
		if rec.FraudStatus != policy.VerdictFraud {
			return ErrNotFlagged
		}
		if rec.EvidencePath != "" {
			return nil // first write wins
		}
		rec.EvidencePath = path
		return nil
	}
	return ErrNotFound
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := *s.records[i]
		result = append(result, &rec)
	}
	return result, nil
}
