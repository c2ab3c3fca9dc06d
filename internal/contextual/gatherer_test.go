package contextual

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/memory"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/policy"
	"github.com/antoniostano/coachd/internal/recall"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type funcSearcher func(ctx context.Context) ([]recall.Snippet, error)

func (f funcSearcher) Query(ctx context.Context, _, _ string, _ recall.QueryOptions) ([]recall.Snippet, error) {
	return f(ctx)
}

type funcRetriever struct {
	fn    func(ctx context.Context) ([]memory.TurnRecord, error)
	calls atomic.Int32
}

func (f *funcRetriever) Retrieve(ctx context.Context, _, _ string, _ int) ([]memory.TurnRecord, error) {
	f.calls.Add(1)
	return f.fn(ctx)
}

type staticClassifier struct{ need bool }

func (c staticClassifier) NeedsRetrieval(context.Context, string) (bool, error) { return c.need, nil }

var alwaysRemember = policy.MemoryPrefilter{Memory: []string{"remember"}}

func TestPhaseRunsTasksConcurrentlyAndOrdersContexts(t *testing.T) {
	memStarted := make(chan struct{})
	searcher := funcSearcher(func(ctx context.Context) ([]recall.Snippet, error) {
		// Only completes if the memory task runs at the same time.
		select {
		case <-memStarted:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, errors.New("memory task never started")
		}
		return []recall.Snippet{{Text: "vector fact"}}, nil
	})
	retriever := &funcRetriever{fn: func(context.Context) ([]memory.TurnRecord, error) {
		close(memStarted)
		return []memory.TurnRecord{{Role: "user", Content: "my left knee hurts"}}, nil
	}}

	g := NewGatherer(Options{Searcher: searcher, Memory: retriever, Prefilter: alwaysRemember})
	res := g.Start(context.Background(), Input{UserID: "u1", Text: "remember my knee?"}).Wait()

	want := []string{"vector fact", "From a past conversation (user): my left knee hurts"}
	assert.Equal(t, want, res.Contexts())
}

func TestPhaseDegradesFailedTask(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("test", reg)
	searcher := funcSearcher(func(context.Context) ([]recall.Snippet, error) {
		return nil, errors.New("pgvector down")
	})
	retriever := &funcRetriever{fn: func(context.Context) ([]memory.TurnRecord, error) {
		return []memory.TurnRecord{{Role: "assistant", Content: "we did squats"}}, nil
	}}

	g := NewGatherer(Options{Searcher: searcher, Memory: retriever, Prefilter: alwaysRemember, Metrics: metrics})
	res := g.Start(context.Background(), Input{UserID: "u1", Text: "remember last session"}).Wait()

	assert.Empty(t, res.Vector)
	require.Len(t, res.Memory, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var degraded float64
	for _, f := range families {
		if f.GetName() == "test_capability_errors_total" {
			for _, m := range f.GetMetric() {
				degraded += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, degraded)
}

func TestMemoryPrefilterAndClassifier(t *testing.T) {
	retriever := &funcRetriever{fn: func(context.Context) ([]memory.TurnRecord, error) {
		return []memory.TurnRecord{{Role: "user", Content: "x"}}, nil
	}}
	prefilter := policy.MemoryPrefilter{Memory: []string{"remember"}, Skip: []string{"hello"}}

	g := NewGatherer(Options{Memory: retriever, Prefilter: prefilter})
	res := g.Start(context.Background(), Input{UserID: "u1", Text: "hello"}).Wait()
	assert.Empty(t, res.Memory)
	// Unsure without a classifier skips retrieval.
	res = g.Start(context.Background(), Input{UserID: "u1", Text: "how should I warm up today"}).Wait()
	assert.Empty(t, res.Memory)
	assert.Equal(t, int32(0), retriever.calls.Load())

	g = NewGatherer(Options{Memory: retriever, Prefilter: prefilter, Classifier: staticClassifier{need: true}})
	res = g.Start(context.Background(), Input{UserID: "u1", Text: "how should I warm up today"}).Wait()
	assert.Len(t, res.Memory, 1)
	assert.Equal(t, int32(1), retriever.calls.Load())
}

type fillerGenerator struct{}

func (fillerGenerator) Stream(_ context.Context, req llm.Request, _ llm.DeltaHandler) (llm.Response, error) {
	return llm.Response{Text: "\"Pulling up your notes\"\nignored"}, nil
}

func TestFillerUpdatesPublishedAndClosed(t *testing.T) {
	g := NewGatherer(Options{Filler: fillerGenerator{}})
	phase := g.Start(context.Background(), Input{UserID: "u1", Text: "build me a program", ShowStatus: true})

	var got []Update
	for u := range phase.Updates() {
		got = append(got, u)
	}
	res := phase.Wait()

	require.Len(t, got, 2)
	stages := map[string]bool{}
	for _, u := range got {
		assert.Equal(t, "Pulling up your notes", u.Content)
		stages[u.Stage] = true
	}
	assert.True(t, stages[StageGathering])
	assert.True(t, stages[StageThinking])
	assert.Len(t, res.Fillers, 2)
	assert.Empty(t, res.Contexts(), "fillers never become context")
}

func TestNoFillersWithoutStatusDisplay(t *testing.T) {
	g := NewGatherer(Options{Filler: fillerGenerator{}})
	phase := g.Start(context.Background(), Input{UserID: "u1", Text: "ok"})

	for range phase.Updates() {
		t.Fatalf("unexpected filler update")
	}
	assert.Empty(t, phase.Wait().Fillers)
}

func TestCancelledPhaseSettles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	searcher := funcSearcher(func(ctx context.Context) ([]recall.Snippet, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	g := NewGatherer(Options{Searcher: searcher})
	phase := g.Start(ctx, Input{UserID: "u1", Text: "anything at all"})
	cancel()

	done := make(chan Result, 1)
	go func() { done <- phase.Wait() }()
	select {
	case res := <-done:
		assert.Empty(t, res.Vector)
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait() did not return after cancel")
	}
}
