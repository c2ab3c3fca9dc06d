package memory

import (
	"context"
	"time"

	"github.com/antoniostano/coachd/internal/policy"
)

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	CoachID        string    `json:"coach_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

// Retriever finds past turns relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, userID, query string, limit int) ([]TurnRecord, error)
}

// Store persists and retrieves conversational memory.
type Store interface {
	Retriever
	SaveTurn(ctx context.Context, record TurnRecord) error
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}

// Remember redacts PII from the record before handing it to the store.
func Remember(ctx context.Context, store Store, record TurnRecord) error {
	redacted, changed := policy.RedactPII(record.Content)
	record.Content = redacted
	record.PIIRedacted = record.PIIRedacted || changed
	return store.SaveTurn(ctx, record)
}

func overlap(queryTerms []string, content string) int {
	if len(queryTerms) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range policy.Terms(content) {
		have[t] = struct{}{}
	}
	n := 0
	for _, t := range queryTerms {
		if _, ok := have[t]; ok {
			n++
		}
	}
	return n
}
