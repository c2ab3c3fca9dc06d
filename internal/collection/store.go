package collection

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("collection session not found")

// ClaimResult reports the outcome of an atomic generation claim.
type ClaimResult struct {
	Claimed bool
	Status  GenerationStatus
	JobID   string
}

// Store persists Collection Sessions.
//
// Save writes everything except the generation trigger, which only moves
// through ClaimGeneration and FinishGeneration so that a last-write-wins
// save can never undo a claim.
type Store interface {
	// Load returns ErrNotFound when the session is missing or owned by
	// another user.
	Load(ctx context.Context, userID, sessionID string) (*Session, error)
	// FindActive returns the newest non-deleted session for the pair.
	FindActive(ctx context.Context, userID, coachID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	// ClaimGeneration atomically moves the trigger from not_started (or
	// failed, when allowRetry) to in_progress.
	ClaimGeneration(ctx context.Context, sessionID string, allowRetry bool) (ClaimResult, error)
	FinishGeneration(ctx context.Context, sessionID string, status GenerationStatus, jobID, errMsg string) error
	Mode() string
	Close() error
}

func claimable(status GenerationStatus, allowRetry bool) bool {
	switch status {
	case "", GenerationNotStarted:
		return true
	case GenerationFailed:
		return allowRetry
	default:
		return false
	}
}

func claimableStatuses(allowRetry bool) []string {
	if allowRetry {
		return []string{string(GenerationNotStarted), string(GenerationFailed)}
	}
	return []string{string(GenerationNotStarted)}
}
