package collection

import (
	"time"

	"github.com/google/uuid"
)

// NewSessionID returns a UUIDv7, which embeds its creation time.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func NewMessageID() string {
	return uuid.NewString()
}

// CreatedAt recovers the creation time embedded in a session id.
func CreatedAt(sessionID string) (time.Time, bool) {
	id, err := uuid.Parse(sessionID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
