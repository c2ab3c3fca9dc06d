package protocol

// EventType identifies stream frame variants.
type EventType string

const (
	TypeStart      EventType = "start"
	TypeChunk      EventType = "chunk"
	TypeContextual EventType = "contextual"
	TypeMetadata   EventType = "metadata"
	TypeSuggestion EventType = "suggestion"
	TypeComplete   EventType = "complete"
	TypeError      EventType = "error"
)

// Error frame codes.
const (
	CodeValidation      = "validation_error"
	CodeSessionNotFound = "session_not_found"
	CodeSessionBusy     = "session_busy"
	CodePersistence     = "persistence_error"
	CodeInternal        = "internal_error"
	CodeTimeout         = "timeout"
)

// Event is the closed set of frames a turn can emit.
type Event interface {
	eventType() EventType
}

type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

type ProgressReport struct {
	Required Progress `json:"required"`
	All      Progress `json:"all"`
}

type Start struct {
	TurnID         string `json:"turnId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type Chunk struct {
	Content string `json:"content"`
}

// Contextual is ephemeral status text. It never becomes conversation content.
type Contextual struct {
	Content string `json:"content"`
	Stage   string `json:"stage"`
}

type Metadata struct {
	Mode      string          `json:"mode"`
	Flow      string          `json:"flow,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Progress  *ProgressReport `json:"progress,omitempty"`
}

type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type Suggestion struct {
	SuggestionType string   `json:"suggestionType"`
	Message        string   `json:"message"`
	Actions        []Action `json:"actions"`
	Confidence     float64  `json:"confidence"`
}

type Complete struct {
	MessageID        string          `json:"messageId"`
	IsComplete       bool            `json:"isComplete"`
	Progress         *ProgressReport `json:"progress,omitempty"`
	Mode             string          `json:"mode"`
	SessionID        string          `json:"sessionId,omitempty"`
	SessionCancelled bool            `json:"sessionCancelled,omitempty"`
	Extra            map[string]any  `json:"extra,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (Start) eventType() EventType      { return TypeStart }
func (Chunk) eventType() EventType      { return TypeChunk }
func (Contextual) eventType() EventType { return TypeContextual }
func (Metadata) eventType() EventType   { return TypeMetadata }
func (Suggestion) eventType() EventType { return TypeSuggestion }
func (Complete) eventType() EventType   { return TypeComplete }
func (Error) eventType() EventType      { return TypeError }

// TypeOf reports the wire type of an event.
func TypeOf(e Event) EventType {
	if e == nil {
		return TypeError
	}
	return e.eventType()
}

// IsTerminal reports whether e ends a turn.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case Complete, *Complete, Error, *Error:
		return true
	default:
		return false
	}
}
