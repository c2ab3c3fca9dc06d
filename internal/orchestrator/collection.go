package orchestrator

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/engine"
	"github.com/antoniostano/coachd/internal/policy"
	"github.com/antoniostano/coachd/internal/protocol"
	"github.com/antoniostano/coachd/internal/session"
	"github.com/antoniostano/coachd/internal/trigger"
)

const (
	ActionContinueCollection = "continue_collection"
	ActionCancelCollection   = "cancel_collection"
)

const handOffTimeout = 30 * time.Second

func (t *turn) runCollection(sess *collection.Session, flow catalog.Flow, isNew bool) {
	logger := t.logger.With(zap.String("session_id", sess.ID), zap.String("flow", flow.Name))
	if err := t.o.conversations.SetMode(t.conv.ID, flow.Mode, flow.Name, sess.ID); err != nil {
		logger.Warn("set conversation mode failed", zap.Error(err))
	}

	now := t.o.now()
	msg := engine.UserMessage{Text: t.req.Message, ImageRefs: t.req.ImageRefs, At: now}
	appendUser := func() {
		sess.AppendMessage(collection.RoleUser, msg.Text, msg.ImageRefs, now)
	}

	if cmd, ok := t.o.commands.ParseCommand(t.req.Message); ok {
		appendUser()
		switch cmd.Kind {
		case policy.CommandCancel:
			t.cancelSession(sess, collection.CancelUserCommand)
			return
		case policy.CommandDone:
			if !t.o.goodbye.Substantial(sess.Todo.Progress(true)) {
				t.respond(sess, flow, scripted(notReadyText(sess, flow)))
				return
			}
			t.o.engine.ForceComplete(sess, now)
			logger.Info("collection completed by command")
			t.respond(sess, flow, scripted(engine.ClosingMessage(flow)))
			return
		case policy.CommandClear:
			if err := sess.Todo.Clear(cmd.Arg); err != nil {
				t.respond(sess, flow, scripted(unknownFieldText(flow, cmd.Arg)))
				return
			}
		case policy.CommandStatus:
			t.respond(sess, flow, scripted(statusText(sess, flow)))
			return
		}
		res, ok := t.gather(flow.Namespace)
		if !ok {
			return
		}
		t.respond(sess, flow, t.o.engine.Reply(t.ctx, sess, flow, res.Contexts()))
		return
	}

	if !isNew && t.o.goodbye.ShouldAutoComplete(t.req.Message, sess.Todo.Progress(true)) {
		appendUser()
		t.o.engine.ForceComplete(sess, now)
		t.o.metrics.ObserveIndicator("goodbye_completed")
		logger.Info("goodbye completed collection")
		t.respond(sess, flow, scripted(engine.ClosingMessage(flow)))
		return
	}

	// Context gathering overlaps the topic check and extraction.
	gctx, stop := context.WithCancel(t.ctx)
	defer stop()
	phase := t.o.gatherer.Start(gctx, t.gatherInput(flow.Namespace))

	var (
		action   policy.TopicAction
		verdict  policy.TopicClassification
		topicErr error
		out      engine.Outcome
	)
	if !t.alongside(phase, stop, func() {
		if !isNew {
			action, verdict, topicErr = t.o.topic.Evaluate(gctx, t.o.topicClassifier, t.req.Message, flow)
			if action == policy.TopicCancel {
				return
			}
		}
		out = t.o.engine.Begin(gctx, sess, msg, flow)
	}) {
		return
	}

	if topicErr != nil {
		t.o.metrics.CapabilityError("topic_classifier")
		logger.Warn("topic classification failed", zap.Error(topicErr))
	}
	switch action {
	case policy.TopicCancel:
		stop()
		phase.Wait()
		appendUser()
		logger.Info("topic change cancelled collection", zap.Float64("confidence", verdict.Confidence))
		t.cancelSession(sess, collection.CancelTopicChange)
		return
	case policy.TopicSuggest:
		t.o.metrics.ObserveIndicator("topic_suggested")
		if !t.emit(topicSuggestion(flow, verdict.Confidence)) {
			stop()
			phase.Wait()
			return
		}
	}

	if out.ExtractionErr != nil {
		t.o.metrics.CapabilityError("extraction")
	}
	logger.Debug("fields applied", zap.Strings("fields", out.Applied), zap.Int("required_completed", out.Progress.Required.Completed))

	res, ok := t.forward(phase)
	if !ok {
		return
	}
	t.respond(sess, flow, t.o.engine.Reply(t.ctx, sess, flow, res.Contexts()))
}

// respond streams the assistant reply, persists the session once and hands
// off a completed collection.
func (t *turn) respond(sess *collection.Session, flow catalog.Flow, src iter.Seq2[string, error]) {
	if !t.emit(protocol.Metadata{
		Mode:      flow.Mode,
		Flow:      flow.Name,
		SessionID: sess.ID,
		Progress:  toProtocolProgress(sess.Progress()),
	}) {
		return
	}

	text, ok := t.stream(src)
	if !ok {
		return
	}

	completed := sess.IsComplete
	assistant := t.o.engine.Finish(sess, text, t.o.now())
	if completed {
		// A finished collection is retired so the next message starts fresh.
		sess.IsDeleted = true
	}
	if err := t.o.store.Save(t.ctx, sess); err != nil {
		t.logger.Error("save session failed", zap.String("session_id", sess.ID), zap.Error(err))
		t.fail(protocol.CodePersistence, "could not save session")
		return
	}

	mode := flow.Mode
	var extra map[string]any
	if completed {
		extra = t.handOff(sess, flow)
		if err := t.o.conversations.ResetMode(t.conv.ID); err != nil {
			t.logger.Warn("reset conversation mode failed", zap.Error(err))
		}
		mode = session.ModeChat
	}
	_ = t.o.conversations.Touch(t.conv.ID)

	t.emit(protocol.Complete{
		MessageID:  assistant.ID,
		IsComplete: sess.IsComplete,
		Progress:   toProtocolProgress(sess.Progress()),
		Mode:       mode,
		SessionID:  sess.ID,
		Extra:      extra,
	})
}

// handOff fires the generation trigger of a saved, completed session. It is
// detached from the turn: once the completion is persisted the job must start
// even if the client has gone.
func (t *turn) handOff(sess *collection.Session, flow catalog.Flow) map[string]any {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), handOffTimeout)
	defer cancel()
	res, err := t.o.trigger.Trigger(ctx, flow.Job, trigger.NewPayload(sess, t.o.now()))
	extra := map[string]any{
		"triggered":         res.Triggered,
		"alreadyGenerating": res.AlreadyGenerating,
		"jobId":             res.JobID,
	}
	if err != nil {
		extra["triggerError"] = err.Error()
	}
	return extra
}

func (t *turn) cancelSession(sess *collection.Session, reason string) {
	sess.MarkCancelled(reason, t.o.now())
	if err := t.o.store.Save(t.ctx, sess); err != nil {
		t.logger.Error("save cancelled session failed", zap.String("session_id", sess.ID), zap.Error(err))
		t.fail(protocol.CodePersistence, "could not save session")
		return
	}
	if err := t.o.conversations.ResetMode(t.conv.ID); err != nil {
		t.logger.Warn("reset conversation mode failed", zap.Error(err))
	}
	t.emit(protocol.Complete{
		IsComplete:       false,
		Progress:         toProtocolProgress(sess.Progress()),
		Mode:             session.ModeChat,
		SessionID:        sess.ID,
		SessionCancelled: true,
		Extra:            map[string]any{"cancelReason": reason},
	})
}

func topicSuggestion(flow catalog.Flow, confidence float64) protocol.Suggestion {
	title := strings.ToLower(flow.Title)
	return protocol.Suggestion{
		SuggestionType: "topic_change",
		Message:        fmt.Sprintf("It sounds like you might want to talk about something else. Should we pause the %s?", title),
		Actions: []protocol.Action{
			{ID: ActionContinueCollection, Label: "Keep going"},
			{ID: ActionCancelCollection, Label: "Stop the " + title},
		},
		Confidence: confidence,
	}
}

func statusText(sess *collection.Session, flow catalog.Flow) string {
	p := sess.Todo.Progress(true)
	var missing []string
	for _, item := range sess.Todo.Open() {
		if item.Required {
			missing = append(missing, strings.ToLower(item.Label))
		}
	}
	text := fmt.Sprintf("%s: %d of %d required details collected (%d%%).", flow.Title, p.Completed, p.Total, p.Percentage)
	if len(missing) == 0 {
		return text + " I have everything required."
	}
	return text + " Still needed: " + strings.Join(missing, ", ") + "."
}

func notReadyText(sess *collection.Session, flow catalog.Flow) string {
	return statusText(sess, flow) + " I need a bit more before I can get started."
}

func unknownFieldText(flow catalog.Flow, name string) string {
	names := make([]string, 0, len(flow.Fields))
	for _, f := range flow.Fields {
		names = append(names, f.Name)
	}
	if strings.TrimSpace(name) == "" {
		return "Tell me which detail to clear: " + strings.Join(names, ", ") + "."
	}
	return fmt.Sprintf("I can't clear %q. Details you can clear: %s.", name, strings.Join(names, ", "))
}
