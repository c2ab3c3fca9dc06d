package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/collection"
)

type countingInvoker struct {
	calls atomic.Int32
	err   error
	delay time.Duration
	last  Payload
	mu    sync.Mutex
}

func (c *countingInvoker) Invoke(_ context.Context, _ string, p Payload) (string, error) {
	c.calls.Add(1)
	time.Sleep(c.delay)
	c.mu.Lock()
	c.last = p
	c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	return "job-1", nil
}

func (c *countingInvoker) Name() string { return "counting" }

var flow = catalog.Flow{
	Name: "mini",
	Fields: []catalog.Field{
		{Name: "goal", Label: "Goal", Required: true},
		{Name: "days", Label: "Days", Required: true},
	},
}

func savedSession(t *testing.T, store collection.Store) *collection.Session {
	t.Helper()
	s := collection.NewSession("u1", "c1", "", flow, []string{"img-1"}, time.Now())
	_, err := s.Todo.Apply(collection.FieldUpdate{Field: "goal", Value: "strength", Confidence: 1}, 0.5)
	require.NoError(t, err)
	s.MarkComplete(time.Now())
	if err := store.Save(context.Background(), s); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return s
}

func TestTriggerOnce(t *testing.T) {
	store := collection.NewInMemoryStore()
	inv := &countingInvoker{}
	tr := New(store, inv, nil, nil)
	s := savedSession(t, store)

	res, err := tr.Trigger(context.Background(), "job", NewPayload(s, time.Now()))
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	assert.True(t, res.Triggered)
	assert.Equal(t, "job-1", res.JobID)

	res, err = tr.Trigger(context.Background(), "job", NewPayload(s, time.Now()))
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.True(t, res.AlreadyGenerating)
	assert.Equal(t, "job-1", res.ExistingResultID)
	assert.Equal(t, int32(1), inv.calls.Load())

	assert.Equal(t, map[string]string{"goal": "strength"}, inv.last.Fields)
	assert.Equal(t, []string{"img-1"}, inv.last.ImageRefs)
}

func TestTriggerConcurrentCallsInvokeOnce(t *testing.T) {
	store := collection.NewInMemoryStore()
	inv := &countingInvoker{delay: 10 * time.Millisecond}
	tr := New(store, inv, nil, nil)
	s := savedSession(t, store)
	p := NewPayload(s, time.Now())

	var triggered atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.Trigger(context.Background(), "job", p)
			if err == nil && res.Triggered {
				triggered.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), triggered.Load())
	assert.Equal(t, int32(1), inv.calls.Load())
}

func TestTriggerFailureThenExplicitRetry(t *testing.T) {
	store := collection.NewInMemoryStore()
	inv := &countingInvoker{err: errors.New("webhook down")}
	tr := New(store, inv, nil, nil)
	s := savedSession(t, store)
	p := NewPayload(s, time.Now())

	res, err := tr.Trigger(context.Background(), "job", p)
	require.Error(t, err)
	assert.Equal(t, collection.GenerationFailed, res.Status)

	loaded, err := store.Load(context.Background(), "u1", s.ID)
	require.NoError(t, err)
	assert.True(t, loaded.IsComplete, "failed trigger reverted completion")
	assert.Equal(t, collection.GenerationFailed, loaded.GenerationStatus())

	// No automatic retry.
	res, err = tr.Trigger(context.Background(), "job", p)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, int32(1), inv.calls.Load())

	inv.err = nil
	res, err = tr.Retry(context.Background(), "job", p)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
}

func TestCompleteCallback(t *testing.T) {
	store := collection.NewInMemoryStore()
	tr := New(store, &countingInvoker{}, nil, nil)
	s := savedSession(t, store)

	_, err := tr.Trigger(context.Background(), "job", NewPayload(s, time.Now()))
	require.NoError(t, err)

	require.ErrorIs(t, tr.Complete(context.Background(), s.ID, "job-1", collection.GenerationInProgress, ""), ErrInvalidStatus)
	require.NoError(t, tr.Complete(context.Background(), s.ID, "job-1", collection.GenerationDone, ""))

	res, err := tr.Trigger(context.Background(), "job", NewPayload(s, time.Now()))
	require.NoError(t, err)
	assert.False(t, res.AlreadyGenerating)
	assert.Equal(t, "job-1", res.ExistingResultID)
	assert.Equal(t, collection.GenerationDone, res.Status)
}

func TestHTTPInvokerRetriesRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body httpJobRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("Idempotency-Key") != body.Payload.SessionID {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(httpJobResponse{JobID: "remote-" + body.Job})
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL)
	id, err := inv.Invoke(context.Background(), "gen", Payload{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	assert.Equal(t, "remote-gen", id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPInvokerDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPInvoker(srv.URL).Invoke(context.Background(), "gen", Payload{SessionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewInvoker(t *testing.T) {
	inv, err := NewInvoker(InvokerConfig{}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "log", inv.Name())

	_, err = NewInvoker(InvokerConfig{Mode: "http"}, nil, nil)
	require.Error(t, err)
	_, err = NewInvoker(InvokerConfig{Mode: "redis"}, nil, nil)
	require.Error(t, err)
	_, err = NewInvoker(InvokerConfig{Mode: "carrier-pigeon"}, nil, nil)
	require.Error(t, err)
}
