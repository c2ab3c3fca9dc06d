package collection

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is an in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*Session)}
}

func (s *InMemoryStore) Load(_ context.Context, userID, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) FindActive(_ context.Context, userID, coachID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *Session
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.CoachID != coachID || sess.IsDeleted {
			continue
		}
		if newest == nil || sess.LastActivity.After(newest.LastActivity) {
			newest = sess
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return newest.Clone(), nil
}

func (s *InMemoryStore) Save(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sess.Clone()
	if existing, ok := s.sessions[sess.ID]; ok {
		c.Generation = existing.Generation
	}
	s.sessions[sess.ID] = c
	return nil
}

func (s *InMemoryStore) ClaimGeneration(_ context.Context, sessionID string, allowRetry bool) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ClaimResult{}, ErrNotFound
	}
	current := sess.GenerationStatus()
	if !claimable(current, allowRetry) {
		res := ClaimResult{Status: current}
		if sess.Generation != nil {
			res.JobID = sess.Generation.JobID
		}
		return res, nil
	}
	now := time.Now().UTC()
	sess.Generation = &GenerationTrigger{
		Status:      GenerationInProgress,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	return ClaimResult{Claimed: true, Status: GenerationInProgress}, nil
}

func (s *InMemoryStore) FinishGeneration(_ context.Context, sessionID string, status GenerationStatus, jobID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Generation == nil {
		sess.Generation = &GenerationTrigger{}
	}
	sess.Generation.Status = status
	if jobID != "" {
		sess.Generation.JobID = jobID
	}
	sess.Generation.Error = errMsg
	sess.Generation.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) Mode() string { return "memory" }

func (s *InMemoryStore) Close() error { return nil }
