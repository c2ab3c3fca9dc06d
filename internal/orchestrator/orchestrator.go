// Package orchestrator composes one user turn into an ordered stream of
// protocol events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/chunker"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/contextual"
	"github.com/antoniostano/coachd/internal/engine"
	"github.com/antoniostano/coachd/internal/lease"
	"github.com/antoniostano/coachd/internal/memory"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/policy"
	"github.com/antoniostano/coachd/internal/protocol"
	"github.com/antoniostano/coachd/internal/session"
	"github.com/antoniostano/coachd/internal/trigger"
)

var (
	ErrSessionClosed = errors.New("collection session is closed")
	ErrNotComplete   = errors.New("collection session is not complete")
)

type Options struct {
	Catalog         *catalog.Catalog
	Store           collection.Store
	Memory          memory.Store
	Conversations   *session.Manager
	Locker          lease.Locker
	LeaseTTL        time.Duration
	Gatherer        *contextual.Gatherer
	Engine          *engine.Engine
	Trigger         *trigger.Trigger
	Goodbye         *policy.Goodbye
	Topic           *policy.TopicChange
	TopicClassifier policy.TopicClassifier
	StatusDisplay   policy.StatusDisplay
	Chunking        chunker.Config
	Metrics         *observability.Metrics
	Logger          *zap.Logger
	Now             func() time.Time
}

type Orchestrator struct {
	cat             *catalog.Catalog
	store           collection.Store
	memory          memory.Store
	conversations   *session.Manager
	locker          lease.Locker
	leaseTTL        time.Duration
	gatherer        *contextual.Gatherer
	engine          *engine.Engine
	trigger         *trigger.Trigger
	goodbye         *policy.Goodbye
	topic           *policy.TopicChange
	topicClassifier policy.TopicClassifier
	commands        policy.Commands
	statusDisplay   policy.StatusDisplay
	chunking        chunker.Config
	metrics         *observability.Metrics
	logger          *zap.Logger
	now             func() time.Time
}

func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Catalog == nil:
		return nil, errors.New("orchestrator requires a catalog")
	case opts.Store == nil:
		return nil, errors.New("orchestrator requires a session store")
	case opts.Engine == nil:
		return nil, errors.New("orchestrator requires an engine")
	case opts.Trigger == nil:
		return nil, errors.New("orchestrator requires a trigger")
	case opts.Gatherer == nil:
		return nil, errors.New("orchestrator requires a gatherer")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Conversations == nil {
		opts.Conversations = session.NewManager(0)
	}
	if opts.Locker == nil {
		opts.Locker = lease.NewLocalLocker()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	if opts.Memory == nil {
		opts.Memory = memory.NewInMemoryStore()
	}
	if opts.Goodbye == nil {
		opts.Goodbye = policy.NewGoodbye(opts.Catalog.Phrases.Goodbye, 0.8)
	}
	if opts.Topic == nil {
		opts.Topic = policy.NewTopicChange(opts.Catalog.Phrases.Abandon, 0.85, 0.6)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		cat:             opts.Catalog,
		store:           opts.Store,
		memory:          opts.Memory,
		conversations:   opts.Conversations,
		locker:          opts.Locker,
		leaseTTL:        opts.LeaseTTL,
		gatherer:        opts.Gatherer,
		engine:          opts.Engine,
		trigger:         opts.Trigger,
		goodbye:         opts.Goodbye,
		topic:           opts.Topic,
		topicClassifier: opts.TopicClassifier,
		commands:        policy.NewCommands(opts.Catalog.Commands),
		statusDisplay:   opts.StatusDisplay,
		chunking:        opts.Chunking,
		metrics:         opts.Metrics,
		logger:          opts.Logger.Named("orchestrator"),
		now:             opts.Now,
	}, nil
}

// Turn processes one user message. The sequence starts with a start event,
// ends with exactly one complete or error event unless the caller stops
// early or ctx is cancelled, and leaves no goroutine behind.
func (o *Orchestrator) Turn(ctx context.Context, req protocol.TurnRequest) iter.Seq[protocol.Event] {
	return func(yield func(protocol.Event) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		t := &turn{
			o:       o,
			ctx:     ctx,
			req:     req,
			yield:   yield,
			id:      uuid.NewString(),
			started: o.now(),
		}
		t.logger = o.logger.With(zap.String("turn_id", t.id))
		defer t.recoverPanic()
		t.run()
		t.finish()
	}
}

// turn is the per-request state. It is confined to the request goroutine.
type turn struct {
	o       *Orchestrator
	ctx     context.Context
	req     protocol.TurnRequest
	yield   func(protocol.Event) bool
	id      string
	started time.Time
	logger  *zap.Logger

	conv       *session.Conversation
	inYield    bool
	stopped    bool
	terminated bool
	firstChunk bool
}

// emit reports whether the consumer still wants events.
func (t *turn) emit(e protocol.Event) bool {
	if t.stopped || t.terminated {
		return false
	}
	t.o.metrics.TurnEvent(string(protocol.TypeOf(e)))
	t.inYield = true
	ok := t.yield(e)
	t.inYield = false
	if protocol.IsTerminal(e) {
		t.terminated = true
	}
	if !ok {
		t.stopped = true
	}
	return ok && !t.terminated
}

func (t *turn) fail(code, message string) {
	t.emit(protocol.Error{Code: code, Message: message})
}

func (t *turn) recoverPanic() {
	r := recover()
	if r == nil {
		return
	}
	if t.inYield {
		// The consumer panicked; it is not ours to swallow.
		panic(r)
	}
	t.logger.Error("turn panicked", zap.Any("panic", r), zap.Stack("stack"))
	t.fail(protocol.CodeInternal, "internal error")
}

// finish guarantees a terminal event for turns that the consumer neither
// stopped nor cancelled. A turn that ran out of time ends with a timeout
// frame.
func (t *turn) finish() {
	t.o.metrics.ObserveTurnStage(observability.StageTurnTotal, time.Since(t.started))
	if t.terminated || t.stopped {
		return
	}
	if err := t.ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			t.logger.Warn("turn deadline exceeded", zap.Duration("elapsed", time.Since(t.started)))
			t.fail(protocol.CodeTimeout, "turn timed out")
		}
		return
	}
	t.logger.Error("turn ended without a terminal event")
	t.fail(protocol.CodeInternal, "internal error")
}

func (t *turn) run() {
	convID := strings.TrimSpace(t.req.ConversationID)
	if !t.emit(protocol.Start{TurnID: t.id, ConversationID: convID}) {
		return
	}

	if err := t.req.Validate(); err != nil {
		t.fail(protocol.CodeValidation, err.Error())
		return
	}
	var requested catalog.Flow
	if t.req.Flow != "" {
		f, err := t.o.cat.Flow(t.req.Flow)
		if err != nil {
			verr := &protocol.ValidationError{Reason: protocol.ReasonUnknownFlow, Message: err.Error()}
			t.fail(protocol.CodeValidation, verr.Error())
			return
		}
		requested = f
	}
	t.logger = t.logger.With(zap.String("user_id", t.req.UserID))

	key := lease.Key(t.req.UserID, t.req.CoachID)
	ok, err := t.o.locker.TryAcquire(t.ctx, key, t.id, t.o.leaseTTL)
	if err != nil {
		t.logger.Error("acquire lease failed", zap.Error(err))
		t.fail(protocol.CodeInternal, "could not lock conversation")
		return
	}
	if !ok {
		t.fail(protocol.CodeSessionBusy, lease.ErrBusy.Error())
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), 5*time.Second)
		defer cancel()
		if err := t.o.locker.Release(releaseCtx, key, t.id); err != nil {
			t.logger.Warn("release lease failed", zap.Error(err))
		}
	}()

	t.conv = t.o.conversations.Resolve(convID, t.req.UserID, t.req.CoachID)
	t.logger = t.logger.With(zap.String("conversation_id", t.conv.ID))

	sess, found := t.loadSession()
	if !found {
		return
	}
	if sess == nil {
		flow, ok := requested, requested.Name != ""
		if !ok {
			flow, ok = policy.DetectFlow(t.o.cat, t.req.Message)
		}
		if !ok {
			t.runChat()
			return
		}
		sess = collection.NewSession(t.req.UserID, t.req.CoachID, t.conv.ID, flow, t.req.ImageRefs, t.o.now())
		t.logger.Info("collection started", zap.String("session_id", sess.ID), zap.String("flow", flow.Name))
		t.runCollection(sess, flow, true)
		return
	}

	flow, err := t.o.cat.Flow(sess.Flow)
	if err != nil {
		t.logger.Error("session references unknown flow", zap.String("session_id", sess.ID), zap.Error(err))
		t.fail(protocol.CodeInternal, "session flow is no longer configured")
		return
	}
	t.runCollection(sess, flow, false)
}

// loadSession returns the active collection session, nil for chat mode, and
// false when the turn already ended with an error frame.
func (t *turn) loadSession() (*collection.Session, bool) {
	var (
		sess *collection.Session
		err  error
	)
	if t.req.SessionID != "" {
		sess, err = t.o.store.Load(t.ctx, t.req.UserID, t.req.SessionID)
		if errors.Is(err, collection.ErrNotFound) {
			t.fail(protocol.CodeSessionNotFound, fmt.Sprintf("session %q not found", t.req.SessionID))
			return nil, false
		}
	} else {
		sess, err = t.o.store.FindActive(t.ctx, t.req.UserID, t.req.CoachID)
		if errors.Is(err, collection.ErrNotFound) {
			return nil, true
		}
	}
	if err != nil {
		t.logger.Error("load session failed", zap.Error(err))
		t.fail(protocol.CodeInternal, "could not load session")
		return nil, false
	}
	// Finished collections take no further engine turns.
	if sess.IsComplete || sess.IsDeleted {
		return nil, true
	}
	return sess, true
}

func (t *turn) gatherInput(namespace string) contextual.Input {
	return contextual.Input{
		UserID:     t.req.UserID,
		Text:       t.req.Message,
		Namespace:  namespace,
		ShowStatus: t.o.statusDisplay.Show(t.req.Message),
	}
}

// gather runs a context phase to completion.
func (t *turn) gather(namespace string) (contextual.Result, bool) {
	return t.forward(t.o.gatherer.Start(t.ctx, t.gatherInput(namespace)))
}

// forward emits filler updates until the phase settles. It reports false
// when the consumer went away.
func (t *turn) forward(phase *contextual.Phase) (contextual.Result, bool) {
	for u := range phase.Updates() {
		if !t.emit(protocol.Contextual{Content: u.Content, Stage: u.Stage}) {
			return phase.Wait(), false
		}
	}
	return phase.Wait(), true
}

// alongside runs work on its own goroutine while forwarding the filler
// updates of phase, and returns once work has. A panic in work is raised
// again on the turn goroutine. When the consumer goes away, stop cancels the
// phase and work, and alongside reports false after both have settled.
func (t *turn) alongside(phase *contextual.Phase, stop context.CancelFunc, work func()) bool {
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		work()
	}()

	updates := phase.Updates()
	for {
		select {
		case r := <-done:
			if r != nil {
				stop()
				phase.Wait()
				panic(r)
			}
			return true
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if !t.emit(protocol.Contextual{Content: u.Content, Stage: u.Stage}) {
				stop()
				<-done
				phase.Wait()
				return false
			}
		}
	}
}

// stream forwards chunked fragments and returns the full text. ok is false
// when the consumer stopped or the turn was cancelled.
func (t *turn) stream(src iter.Seq2[string, error]) (string, bool) {
	var sb strings.Builder
	for seg, err := range chunker.Segments(src, t.o.chunking) {
		if err != nil {
			t.logger.Info("turn cancelled while streaming", zap.Error(err))
			return sb.String(), false
		}
		if seg == "" {
			continue
		}
		if !t.firstChunk {
			t.firstChunk = true
			t.o.metrics.ObserveFirstChunkLatency(time.Since(t.started))
		}
		sb.WriteString(seg)
		if !t.emit(protocol.Chunk{Content: seg}) {
			return sb.String(), false
		}
	}
	if t.ctx.Err() != nil {
		return sb.String(), false
	}
	return sb.String(), true
}

func scripted(text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(text, nil)
	}
}

func toProtocolProgress(p collection.ProgressReport) *protocol.ProgressReport {
	return &protocol.ProgressReport{
		Required: protocol.Progress(p.Required),
		All:      protocol.Progress(p.All),
	}
}
