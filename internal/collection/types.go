package collection

import (
	"slices"
	"time"

	"github.com/antoniostano/coachd/internal/catalog"
)

// FieldStatus is the per-field state. It only ever moves from unsatisfied to
// satisfied, except through TodoList.Clear.
type FieldStatus string

const (
	FieldUnsatisfied FieldStatus = "unsatisfied"
	FieldSatisfied   FieldStatus = "satisfied"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type GenerationStatus string

const (
	GenerationNotStarted GenerationStatus = "not_started"
	GenerationInProgress GenerationStatus = "in_progress"
	GenerationDone       GenerationStatus = "done"
	GenerationFailed     GenerationStatus = "failed"
)

// State is derived from the session flags.
type State string

const (
	StateCollecting State = "collecting"
	StateComplete   State = "complete"
	StateCancelled  State = "cancelled"
)

const (
	CancelTopicChange = "topic_change"
	CancelUserCommand = "user_command"
	CancelAPI         = "api"
)

type TodoItem struct {
	Name     string      `json:"name" bson:"name"`
	Label    string      `json:"label" bson:"label"`
	Required bool        `json:"required" bson:"required"`
	Value    *string     `json:"value" bson:"value"`
	Note     string      `json:"note,omitempty" bson:"note,omitempty"`
	Status   FieldStatus `json:"status" bson:"status"`
}

type Message struct {
	ID        string    `json:"id" bson:"id"`
	Role      Role      `json:"role" bson:"role"`
	Content   string    `json:"content" bson:"content"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	ImageRefs []string  `json:"imageRefs,omitempty" bson:"imageRefs,omitempty"`
}

// GenerationTrigger records the downstream hand-off for idempotency.
type GenerationTrigger struct {
	Status      GenerationStatus `json:"status" bson:"status"`
	JobID       string           `json:"jobId,omitempty" bson:"jobId,omitempty"`
	RequestedAt time.Time        `json:"requestedAt,omitempty" bson:"requestedAt,omitempty"`
	UpdatedAt   time.Time        `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	Error       string           `json:"error,omitempty" bson:"error,omitempty"`
}

// Session is one in-progress multi-turn data collection.
type Session struct {
	ID             string             `json:"sessionId" bson:"_id"`
	UserID         string             `json:"userId" bson:"userId"`
	CoachID        string             `json:"coachId" bson:"coachId"`
	ConversationID string             `json:"conversationId,omitempty" bson:"conversationId,omitempty"`
	Flow           string             `json:"flow" bson:"flow"`
	Todo           TodoList           `json:"todoList" bson:"todoList"`
	History        []Message          `json:"conversationHistory" bson:"conversationHistory"`
	TurnCount      int                `json:"turnCount" bson:"turnCount"`
	IsComplete     bool               `json:"isComplete" bson:"isComplete"`
	IsDeleted      bool               `json:"isDeleted" bson:"isDeleted"`
	StartedAt      time.Time          `json:"startedAt" bson:"startedAt"`
	LastActivity   time.Time          `json:"lastActivity" bson:"lastActivity"`
	CompletedAt    *time.Time         `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	ImageRefs      []string           `json:"imageRefs,omitempty" bson:"imageRefs,omitempty"`
	Generation     *GenerationTrigger `json:"generationTrigger,omitempty" bson:"generation,omitempty"`
	CancelReason   string             `json:"cancelReason,omitempty" bson:"cancelReason,omitempty"`
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

// NewSession starts a collection for flow. ImageRefs are fixed for the
// lifetime of the session.
func NewSession(userID, coachID, conversationID string, flow catalog.Flow, imageRefs []string, now time.Time) *Session {
	now = now.UTC()
	return &Session{
		ID:             NewSessionID(),
		UserID:         userID,
		CoachID:        coachID,
		ConversationID: conversationID,
		Flow:           flow.Name,
		Todo:           NewTodoList(flow.Fields),
		StartedAt:      now,
		LastActivity:   now,
		ImageRefs:      slices.Clone(imageRefs),
	}
}

func (s *Session) State() State {
	switch {
	case s.IsComplete:
		return StateComplete
	case s.IsDeleted:
		return StateCancelled
	default:
		return StateCollecting
	}
}

func (s *Session) Progress() ProgressReport {
	return ProgressReport{
		Required: s.Todo.Progress(true),
		All:      s.Todo.Progress(false),
	}
}

// AppendMessage adds to the append-only history.
func (s *Session) AppendMessage(role Role, content string, imageRefs []string, now time.Time) Message {
	msg := Message{
		ID:        NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: now.UTC(),
		ImageRefs: slices.Clone(imageRefs),
	}
	s.History = append(s.History, msg)
	return msg
}

// MarkComplete sets IsComplete once. It reports whether this call completed
// the session.
func (s *Session) MarkComplete(now time.Time) bool {
	if s.IsComplete {
		return false
	}
	t := now.UTC()
	s.IsComplete = true
	s.CompletedAt = &t
	return true
}

// MarkCancelled soft-deletes an unfinished session.
func (s *Session) MarkCancelled(reason string, now time.Time) {
	t := now.UTC()
	s.IsDeleted = true
	s.CompletedAt = &t
	s.CancelReason = reason
	s.LastActivity = t
}

func (s *Session) GenerationStatus() GenerationStatus {
	if s.Generation == nil || s.Generation.Status == "" {
		return GenerationNotStarted
	}
	return s.Generation.Status
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Todo = s.Todo.clone()
	c.History = make([]Message, len(s.History))
	for i, m := range s.History {
		m.ImageRefs = slices.Clone(m.ImageRefs)
		c.History[i] = m
	}
	c.ImageRefs = slices.Clone(s.ImageRefs)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Generation != nil {
		g := *s.Generation
		c.Generation = &g
	}
	return &c
}
