package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/lease"
	"github.com/antoniostano/coachd/internal/trigger"
)

// Active returns the collection session a user is currently in with a
// coach, or collection.ErrNotFound.
func (o *Orchestrator) Active(ctx context.Context, userID, coachID string) (*collection.Session, error) {
	return o.store.FindActive(ctx, userID, coachID)
}

// Cancel soft-deletes a session outside of a turn. Cancelling an already
// closed session is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, userID, sessionID, reason string) (*collection.Session, error) {
	if reason == "" {
		reason = collection.CancelAPI
	}
	var out *collection.Session
	err := o.withSession(ctx, userID, sessionID, func(sess *collection.Session) error {
		out = sess
		if sess.IsDeleted {
			return nil
		}
		sess.MarkCancelled(reason, o.now())
		if err := o.store.Save(ctx, sess); err != nil {
			return fmt.Errorf("save cancelled session: %w", err)
		}
		if sess.ConversationID != "" {
			_ = o.conversations.ResetMode(sess.ConversationID)
		}
		o.logger.Info("collection cancelled",
			zap.String("session_id", sess.ID),
			zap.String("user_id", userID),
			zap.String("reason", reason),
		)
		return nil
	})
	return out, err
}

// ClearField marks one field unsatisfied again so the next turn asks for it.
func (o *Orchestrator) ClearField(ctx context.Context, userID, sessionID, field string) (*collection.Session, error) {
	var out *collection.Session
	err := o.withSession(ctx, userID, sessionID, func(sess *collection.Session) error {
		if sess.IsComplete || sess.IsDeleted {
			return ErrSessionClosed
		}
		if err := sess.Todo.Clear(field); err != nil {
			return err
		}
		sess.LastActivity = o.now().UTC()
		if err := o.store.Save(ctx, sess); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
		out = sess
		return nil
	})
	return out, err
}

// RetryGeneration re-fires the hand-off of a completed session whose last
// trigger failed.
func (o *Orchestrator) RetryGeneration(ctx context.Context, userID, sessionID string) (trigger.Result, error) {
	sess, err := o.store.Load(ctx, userID, sessionID)
	if err != nil {
		return trigger.Result{}, err
	}
	if !sess.IsComplete {
		return trigger.Result{}, ErrNotComplete
	}
	flow, err := o.cat.Flow(sess.Flow)
	if err != nil {
		return trigger.Result{}, err
	}
	return o.trigger.Retry(ctx, flow.Job, trigger.NewPayload(sess, o.now()))
}

// CompleteGeneration records the downstream job's callback.
func (o *Orchestrator) CompleteGeneration(ctx context.Context, sessionID, jobID, status, errMsg string) error {
	return o.trigger.Complete(ctx, sessionID, jobID, collection.GenerationStatus(status), errMsg)
}

// withSession runs fn under the same lease a turn takes, so admin changes
// never interleave with a streaming turn.
func (o *Orchestrator) withSession(ctx context.Context, userID, sessionID string, fn func(*collection.Session) error) error {
	sess, err := o.store.Load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	key := lease.Key(userID, sess.CoachID)
	owner := lease.NewOwner()
	ok, err := o.locker.TryAcquire(ctx, key, owner, o.leaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return lease.ErrBusy
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.locker.Release(releaseCtx, key, owner); err != nil {
			o.logger.Warn("release lease failed", zap.Error(err))
		}
	}()

	// Reload under the lease; a turn may have saved in between.
	sess, err = o.store.Load(ctx, userID, sessionID)
	if err != nil {
		return err
	}
	return fn(sess)
}

// IsClientError reports whether err is the caller's fault rather than ours.
func IsClientError(err error) bool {
	return errors.Is(err, collection.ErrNotFound) ||
		errors.Is(err, collection.ErrUnknownField) ||
		errors.Is(err, ErrSessionClosed) ||
		errors.Is(err, ErrNotComplete) ||
		errors.Is(err, trigger.ErrInvalidStatus)
}
