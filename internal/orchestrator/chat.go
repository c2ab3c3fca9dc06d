package orchestrator

import (
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/contextual"
	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/memory"
	"github.com/antoniostano/coachd/internal/protocol"
	"github.com/antoniostano/coachd/internal/session"
)

const chatHistoryTurns = 8

func (t *turn) runChat() {
	if err := t.o.conversations.ResetMode(t.conv.ID); err != nil {
		t.logger.Warn("reset conversation mode failed", zap.Error(err))
	}

	if _, ok := t.o.commands.ParseCommand(t.req.Message); ok {
		if !t.emit(protocol.Metadata{Mode: session.ModeChat}) {
			return
		}
		if _, ok := t.stream(scripted("There's no collection in progress right now.")); !ok {
			return
		}
		t.emit(protocol.Complete{MessageID: collection.NewMessageID(), Mode: session.ModeChat})
		return
	}

	res, ok := t.gather(contextual.DefaultNamespace)
	if !ok {
		return
	}
	if !t.emit(protocol.Metadata{Mode: session.ModeChat}) {
		return
	}

	history := append(t.recentHistory(), llm.Message{Role: llm.RoleUser, Content: t.req.Message})
	text, ok := t.stream(t.o.engine.Chat(t.ctx, t.req.UserID, history, res.Contexts()))
	if !ok {
		return
	}

	t.remember(llm.RoleUser, t.req.Message)
	t.remember(llm.RoleAssistant, text)
	_ = t.o.conversations.Touch(t.conv.ID)

	t.emit(protocol.Complete{MessageID: collection.NewMessageID(), Mode: session.ModeChat})
}

func (t *turn) recentHistory() []llm.Message {
	records, err := t.o.memory.RecentContext(t.ctx, t.req.UserID, chatHistoryTurns*2)
	if err != nil {
		t.o.metrics.CapabilityError("memory_history")
		t.logger.Warn("load recent context failed", zap.Error(err))
		return nil
	}
	out := make([]llm.Message, 0, chatHistoryTurns)
	for _, r := range records {
		if r.CoachID != "" && r.CoachID != t.req.CoachID {
			continue
		}
		role := llm.RoleUser
		if r.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: r.Content})
	}
	if len(out) > chatHistoryTurns {
		out = out[len(out)-chatHistoryTurns:]
	}
	return out
}

func (t *turn) remember(role, content string) {
	if content == "" {
		return
	}
	err := memory.Remember(t.ctx, t.o.memory, memory.TurnRecord{
		UserID:         t.req.UserID,
		CoachID:        t.req.CoachID,
		ConversationID: t.conv.ID,
		Role:           role,
		Content:        content,
		CreatedAt:      t.o.now().UTC(),
	})
	if err != nil {
		t.logger.Error("save memory turn failed", zap.String("task", role), zap.Error(err))
	}
}
