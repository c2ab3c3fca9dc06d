package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// ModeChat is the indicator value when no collection flow is active.
const ModeChat = "chat"

// Conversation is one chat thread between a user and a coach. Mode is the
// active-mode indicator the client renders.
type Conversation struct {
	ID              string    `json:"conversation_id"`
	UserID          string    `json:"user_id"`
	CoachID         string    `json:"coach_id"`
	Mode            string    `json:"mode"`
	Flow            string    `json:"flow,omitempty"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	TurnCount       int       `json:"turn_count"`
	Status          Status    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
}
