// Package engine runs the todo-list conversation for a collection session:
// extract what the user just told us, then ask for what is still missing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/observability"
)

const historyWindow = 12

// Extractor turns a user message into field updates.
type Extractor interface {
	Extract(ctx context.Context, flow catalog.Flow, s *collection.Session, message string) ([]collection.FieldUpdate, error)
}

type UserMessage struct {
	Text      string
	ImageRefs []string
	At        time.Time
}

// Outcome summarizes the state changes of Begin.
type Outcome struct {
	Applied       []string
	Progress      collection.ProgressReport
	Completed     bool
	ExtractionErr error
}

type Engine struct {
	Generator     llm.Generator
	Extractor     Extractor
	MinConfidence float64
	Fallback      string
	Persona       string
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// Begin records the user message and applies whatever the extractor found.
// An extraction failure leaves the todo list unchanged and the turn goes on.
func (e *Engine) Begin(ctx context.Context, s *collection.Session, msg UserMessage, flow catalog.Flow) Outcome {
	if s.IsComplete {
		return Outcome{Progress: s.Progress()}
	}
	s.AppendMessage(collection.RoleUser, msg.Text, msg.ImageRefs, msg.At)

	var out Outcome
	if e.Extractor != nil && strings.TrimSpace(msg.Text) != "" {
		started := time.Now()
		updates, err := e.Extractor.Extract(ctx, flow, s, msg.Text)
		e.Metrics.ObserveTurnStage(observability.StageExtraction, time.Since(started))
		if err != nil {
			out.ExtractionErr = err
			e.logger().Warn("field extraction failed",
				zap.String("session_id", s.ID),
				zap.String("flow", flow.Name),
				zap.Error(err),
			)
		}
		for _, u := range updates {
			ok, err := s.Todo.Apply(u, e.MinConfidence)
			if err != nil {
				e.logger().Debug("skip field update", zap.String("session_id", s.ID), zap.Error(err))
				continue
			}
			if ok {
				out.Applied = append(out.Applied, u.Field)
			}
		}
	}

	if s.Todo.RequiredSatisfied() {
		out.Completed = s.MarkComplete(msg.At)
	}
	out.Progress = s.Progress()
	return out
}

// ForceComplete finishes the session without extraction. It reports
// whether this call completed it.
func (e *Engine) ForceComplete(s *collection.Session, now time.Time) bool {
	return s.MarkComplete(now)
}

// Reply streams the assistant's next message: a closing message once the
// session is complete, otherwise a question about the open fields.
//
// A generation failure before any text yields the fallback message, or the
// flow's scripted closing line for a complete session. After partial text
// the failure is logged and the partial text stands. Only context
// cancellation is yielded as an error.
func (e *Engine) Reply(ctx context.Context, s *collection.Session, flow catalog.Flow, contexts []string) iter.Seq2[string, error] {
	if s.IsComplete {
		return e.guard(ctx, e.closingRequest(s, flow), ClosingMessage(flow), zap.String("session_id", s.ID))
	}
	return e.guard(ctx, e.replyRequest(s, flow, contexts), e.fallback(), zap.String("session_id", s.ID))
}

// Chat streams a persona reply outside any collection, with the same
// fallback behaviour as Reply.
func (e *Engine) Chat(ctx context.Context, userID string, history []llm.Message, contexts []string) iter.Seq2[string, error] {
	req := llm.Request{
		UserID:   userID,
		System:   strings.TrimSpace(e.Persona + "\n\nYou are chatting with an athlete. Answer helpfully and briefly."),
		Messages: history,
		Context:  contexts,
	}
	return e.guard(ctx, req, e.fallback(), zap.String("user_id", userID))
}

func (e *Engine) guard(ctx context.Context, req llm.Request, fallback string, field zap.Field) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		emitted := false
		for delta, err := range llm.Deltas(ctx, e.Generator, req) {
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					yield("", ctxErr)
					return
				}
				if !emitted {
					e.logger().Warn("reply generation failed, using fallback", field, zap.Error(err))
					yield(fallback, nil)
					return
				}
				e.logger().Warn("reply generation interrupted", field, zap.Error(err))
				return
			}
			emitted = true
			if !yield(delta, nil) {
				return
			}
		}
		if !emitted {
			if ctxErr := ctx.Err(); ctxErr != nil {
				yield("", ctxErr)
				return
			}
			yield(fallback, nil)
		}
	}
}

// Finish records the assistant message and closes the turn.
func (e *Engine) Finish(s *collection.Session, assistantText string, now time.Time) collection.Message {
	msg := s.AppendMessage(collection.RoleAssistant, assistantText, nil, now)
	s.TurnCount++
	s.LastActivity = now.UTC()
	return msg
}

func (e *Engine) fallback() string {
	if e.Fallback != "" {
		return e.Fallback
	}
	return "Sorry, could you say that again?"
}

// ClosingMessage is the scripted hand-off line of a flow.
func ClosingMessage(flow catalog.Flow) string {
	if msg := strings.TrimSpace(flow.ClosingMessage); msg != "" {
		return msg
	}
	return "Thanks, I have everything I need and I'm getting started."
}

func (e *Engine) closingRequest(s *collection.Session, flow catalog.Flow) llm.Request {
	var b strings.Builder
	if p := strings.TrimSpace(e.Persona); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You have just finished collecting details for: %s.\n", flow.Title)
	known := s.Todo.SatisfiedValues()
	for _, item := range s.Todo {
		if v, ok := known[item.Name]; ok {
			fmt.Fprintf(&b, "- %s: %s\n", item.Label, v)
		}
	}
	fmt.Fprintf(&b, "Thank the athlete in one or two sentences and tell them their %s is being prepared. Ask nothing.", strings.ToLower(flow.Title))

	return llm.Request{
		UserID:    s.UserID,
		SessionID: s.ID,
		System:    b.String(),
		Messages:  historyMessages(s.History, historyWindow),
	}
}

func (e *Engine) replyRequest(s *collection.Session, flow catalog.Flow, contexts []string) llm.Request {
	var b strings.Builder
	if p := strings.TrimSpace(e.Persona); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are collecting details for: %s.\n", flow.Title)

	if known := s.Todo.SatisfiedValues(); len(known) > 0 {
		b.WriteString("Already known:\n")
		for _, item := range s.Todo {
			if v, ok := known[item.Name]; ok {
				fmt.Fprintf(&b, "- %s: %s\n", item.Label, v)
			}
		}
	}
	b.WriteString("Still needed:\n")
	for _, item := range s.Todo.Open() {
		desc := ""
		if f, ok := flow.Field(item.Name); ok && f.Description != "" {
			desc = " (" + f.Description + ")"
		}
		opt := ""
		if !item.Required {
			opt = " [optional]"
		}
		fmt.Fprintf(&b, "- %s%s%s\n", item.Label, desc, opt)
	}
	b.WriteString("Acknowledge what the athlete just said in a few words, then ask for the first item still needed. Ask one question only.")

	return llm.Request{
		UserID:    s.UserID,
		SessionID: s.ID,
		System:    b.String(),
		Messages:  historyMessages(s.History, historyWindow),
		Context:   contexts,
	}
}

func historyMessages(history []collection.Message, limit int) []llm.Message {
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == collection.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: m.Content})
	}
	return out
}

// IsCancellation reports whether err came from the turn being cancelled.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
