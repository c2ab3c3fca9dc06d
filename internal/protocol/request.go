package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxMessageRunes = 8000

// Validation codes reported inside ValidationError.
const (
	ReasonInvalidRequest = "invalid_request"
	ReasonMissingUserID  = "missing_user_id"
	ReasonMissingCoachID = "missing_coach_id"
	ReasonMissingMessage = "missing_message"
	ReasonMessageTooLong = "message_too_long"
	ReasonUnknownFlow    = "unknown_flow"
)

// ValidationError describes a malformed turn request.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Reason + ": " + e.Message
}

// TurnRequest is one inbound user turn.
type TurnRequest struct {
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	CoachID        string    `json:"coachId"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp,omitempty"`
	ImageRefs      []string  `json:"imageRefs,omitempty"`
	Flow           string    `json:"flow,omitempty"`
}

// Validate trims the request in place and reports the first problem found.
func (r *TurnRequest) Validate() error {
	r.UserID = strings.TrimSpace(r.UserID)
	r.CoachID = strings.TrimSpace(r.CoachID)
	r.ConversationID = strings.TrimSpace(r.ConversationID)
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.Flow = strings.TrimSpace(r.Flow)

	switch {
	case r.UserID == "":
		return &ValidationError{Reason: ReasonMissingUserID, Message: "userId is required"}
	case r.CoachID == "":
		return &ValidationError{Reason: ReasonMissingCoachID, Message: "coachId is required"}
	case strings.TrimSpace(r.Message) == "" && len(r.ImageRefs) == 0:
		return &ValidationError{Reason: ReasonMissingMessage, Message: "message is required"}
	case utf8.RuneCountInString(r.Message) > MaxMessageRunes:
		return &ValidationError{
			Reason:  ReasonMessageTooLong,
			Message: fmt.Sprintf("message exceeds %d characters", MaxMessageRunes),
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return nil
}

// DecodeTurnRequest parses a JSON request body without validating it.
func DecodeTurnRequest(body io.Reader) (TurnRequest, error) {
	var req TurnRequest
	if body == nil {
		return req, &ValidationError{Reason: ReasonInvalidRequest, Message: "empty body"}
	}
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, &ValidationError{Reason: ReasonInvalidRequest, Message: "empty body"}
		}
		return req, &ValidationError{Reason: ReasonInvalidRequest, Message: err.Error()}
	}
	return req, nil
}
