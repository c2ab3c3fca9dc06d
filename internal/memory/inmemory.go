package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/coachd/internal/policy"
)

// InMemoryStore is a simple in-process memory store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.records[record.UserID] = append(s.records[record.UserID], record)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, userID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// Retrieve ranks the user's turns by term overlap with query, newest first
// among equals. Turns sharing no terms are skipped.
func (s *InMemoryStore) Retrieve(_ context.Context, userID, query string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 5
	}
	queryTerms := policy.Terms(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	arr := s.records[userID]
	type scored struct {
		rec   TurnRecord
		score int
		pos   int
	}
	candidates := make([]scored, 0, len(arr))
	for i, rec := range arr {
		if n := overlap(queryTerms, rec.Content); n > 0 {
			candidates = append(candidates, scored{rec: rec, score: n, pos: i})
		}
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].pos > candidates[j].pos
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]TurnRecord, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.rec)
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
