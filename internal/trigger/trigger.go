// Package trigger hands completed collections to the downstream generation
// job exactly once.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/observability"
)

var ErrInvalidStatus = errors.New("callback status must be done or failed")

// Payload is what the generation job receives.
type Payload struct {
	SessionID   string            `json:"sessionId"`
	UserID      string            `json:"userId"`
	CoachID     string            `json:"coachId"`
	Flow        string            `json:"flow"`
	Fields      map[string]string `json:"fields"`
	ImageRefs   []string          `json:"imageRefs,omitempty"`
	RequestedAt time.Time         `json:"requestedAt"`
}

// NewPayload carries the satisfied fields only.
func NewPayload(s *collection.Session, now time.Time) Payload {
	return Payload{
		SessionID:   s.ID,
		UserID:      s.UserID,
		CoachID:     s.CoachID,
		Flow:        s.Flow,
		Fields:      maps.Clone(s.Todo.SatisfiedValues()),
		ImageRefs:   slices.Clone(s.ImageRefs),
		RequestedAt: now.UTC(),
	}
}

// Invoker starts a generation job and returns its id.
type Invoker interface {
	Invoke(ctx context.Context, job string, p Payload) (string, error)
	Name() string
}

type Result struct {
	Triggered         bool
	AlreadyGenerating bool
	ExistingResultID  string
	JobID             string
	Status            collection.GenerationStatus
}

type Trigger struct {
	store   collection.Store
	invoker Invoker
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(store collection.Store, invoker Invoker, metrics *observability.Metrics, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{store: store, invoker: invoker, metrics: metrics, logger: logger.Named("trigger")}
}

// Trigger claims the session's generation slot and invokes the job. A
// session already in progress or done is a no-op that reports which. It
// never retries; see Retry.
func (t *Trigger) Trigger(ctx context.Context, job string, p Payload) (Result, error) {
	return t.fire(ctx, job, p, false)
}

// Retry is the explicit caller action that also accepts a failed trigger.
func (t *Trigger) Retry(ctx context.Context, job string, p Payload) (Result, error) {
	return t.fire(ctx, job, p, true)
}

func (t *Trigger) fire(ctx context.Context, job string, p Payload, allowRetry bool) (Result, error) {
	claim, err := t.store.ClaimGeneration(ctx, p.SessionID, allowRetry)
	if err != nil {
		t.metrics.TriggerOutcome("claim_error")
		return Result{}, fmt.Errorf("claim generation: %w", err)
	}
	if !claim.Claimed {
		res := Result{Status: claim.Status, JobID: claim.JobID}
		switch claim.Status {
		case collection.GenerationInProgress:
			res.AlreadyGenerating = true
			res.ExistingResultID = claim.JobID
			t.metrics.TriggerOutcome("already_generating")
		case collection.GenerationDone:
			res.ExistingResultID = claim.JobID
			t.metrics.TriggerOutcome("already_done")
		default:
			t.metrics.TriggerOutcome("not_claimable")
		}
		return res, nil
	}

	jobID, invokeErr := t.invoker.Invoke(ctx, job, p)
	// Record the outcome even if the turn was cancelled mid-call.
	recordCtx := context.WithoutCancel(ctx)
	if invokeErr != nil {
		t.metrics.TriggerOutcome("failed")
		t.logger.Error("generation invoke failed",
			zap.String("session_id", p.SessionID),
			zap.String("user_id", p.UserID),
			zap.String("flow", p.Flow),
			zap.String("task", job),
			zap.Error(invokeErr),
		)
		if err := t.store.FinishGeneration(recordCtx, p.SessionID, collection.GenerationFailed, "", invokeErr.Error()); err != nil {
			t.logger.Error("record failed generation", zap.String("session_id", p.SessionID), zap.Error(err))
		}
		return Result{Status: collection.GenerationFailed}, fmt.Errorf("invoke %s: %w", job, invokeErr)
	}

	if err := t.store.FinishGeneration(recordCtx, p.SessionID, collection.GenerationInProgress, jobID, ""); err != nil {
		t.logger.Error("record generation job", zap.String("session_id", p.SessionID), zap.Error(err))
	}
	t.metrics.TriggerOutcome("triggered")
	t.logger.Info("generation triggered",
		zap.String("session_id", p.SessionID),
		zap.String("flow", p.Flow),
		zap.String("task", job),
		zap.String("job_id", jobID),
		zap.String("invoker", t.invoker.Name()),
	)
	return Result{Triggered: true, JobID: jobID, Status: collection.GenerationInProgress}, nil
}

// Complete records the downstream job's final status.
func (t *Trigger) Complete(ctx context.Context, sessionID, jobID string, status collection.GenerationStatus, errMsg string) error {
	if status != collection.GenerationDone && status != collection.GenerationFailed {
		return ErrInvalidStatus
	}
	if err := t.store.FinishGeneration(ctx, sessionID, status, jobID, errMsg); err != nil {
		return fmt.Errorf("complete generation: %w", err)
	}
	t.metrics.TriggerOutcome("callback_" + string(status))
	return nil
}
