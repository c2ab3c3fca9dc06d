// Package contextual gathers retrieval context for a turn. All tasks of a
// phase run concurrently and the phase settles when the slowest one does.
package contextual

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/coachd/internal/llm"
	"github.com/antoniostano/coachd/internal/memory"
	"github.com/antoniostano/coachd/internal/observability"
	"github.com/antoniostano/coachd/internal/policy"
	"github.com/antoniostano/coachd/internal/recall"
)

const (
	StageGathering = "gathering"
	StageThinking  = "thinking"

	DefaultNamespace = "coaching"
)

var fillerStages = []string{StageGathering, StageThinking}

// MemoryClassifier settles memory retrieval when the keyword prefilter is
// unsure.
type MemoryClassifier interface {
	NeedsRetrieval(ctx context.Context, text string) (bool, error)
}

type Input struct {
	UserID    string
	Text      string
	Namespace string
	// ShowStatus includes the filler tasks.
	ShowStatus bool
}

// Update is one ephemeral filler line.
type Update struct {
	Stage   string
	Content string
}

type Result struct {
	Vector  []recall.Snippet
	Memory  []memory.TurnRecord
	Fillers []Update
	Elapsed time.Duration
}

// Contexts returns vector snippets first, then memory snippets, regardless
// of which task finished first.
func (r Result) Contexts() []string {
	out := make([]string, 0, len(r.Vector)+len(r.Memory))
	for _, sn := range r.Vector {
		if text := strings.TrimSpace(sn.Text); text != "" {
			out = append(out, text)
		}
	}
	for _, rec := range r.Memory {
		if text := strings.TrimSpace(rec.Content); text != "" {
			out = append(out, fmt.Sprintf("From a past conversation (%s): %s", rec.Role, text))
		}
	}
	return out
}

type Options struct {
	Searcher    recall.Searcher
	Memory      memory.Retriever
	Prefilter   policy.MemoryPrefilter
	Classifier  MemoryClassifier
	Filler      llm.Generator
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	VectorLimit int
	MemoryLimit int
}

type Gatherer struct {
	searcher    recall.Searcher
	memory      memory.Retriever
	prefilter   policy.MemoryPrefilter
	classifier  MemoryClassifier
	filler      llm.Generator
	metrics     *observability.Metrics
	logger      *zap.Logger
	vectorLimit int
	memoryLimit int
}

func NewGatherer(opts Options) *Gatherer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.VectorLimit <= 0 {
		opts.VectorLimit = recall.DefaultLimit
	}
	if opts.MemoryLimit <= 0 {
		opts.MemoryLimit = 3
	}
	return &Gatherer{
		searcher:    opts.Searcher,
		memory:      opts.Memory,
		prefilter:   opts.Prefilter,
		classifier:  opts.Classifier,
		filler:      opts.Filler,
		metrics:     opts.Metrics,
		logger:      opts.Logger.Named("contextual"),
		vectorLimit: opts.VectorLimit,
		memoryLimit: opts.MemoryLimit,
	}
}

// Phase is one in-flight gathering.
type Phase struct {
	updates chan Update
	done    chan struct{}
	result  Result
}

// Updates delivers filler lines as they are produced. It is closed when the
// phase settles.
func (p *Phase) Updates() <-chan Update { return p.updates }

// Wait blocks until every task has settled.
func (p *Phase) Wait() Result {
	<-p.done
	return p.result
}

// Start launches the phase. Cancelling ctx makes every task settle early
// with an empty slot; callers must still Wait.
func (g *Gatherer) Start(ctx context.Context, in Input) *Phase {
	if in.Namespace == "" {
		in.Namespace = DefaultNamespace
	}
	stages := 0
	if in.ShowStatus && g.filler != nil {
		stages = len(fillerStages)
	}
	p := &Phase{
		updates: make(chan Update, stages),
		done:    make(chan struct{}),
	}
	started := time.Now()

	var (
		vector  []recall.Snippet
		mem     []memory.TurnRecord
		fillers = make([]Update, stages)
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		vector = g.searchVector(egCtx, in)
		return nil
	})
	eg.Go(func() error {
		mem = g.recallMemory(egCtx, in)
		return nil
	})
	for i := range stages {
		stage := fillerStages[i]
		eg.Go(func() error {
			u, ok := g.fill(egCtx, stage, in)
			if ok {
				fillers[i] = u
				// Buffered to the number of stages; never blocks.
				p.updates <- u
			}
			return nil
		})
	}

	go func() {
		_ = eg.Wait()
		p.result = Result{Vector: vector, Memory: mem, Elapsed: time.Since(started)}
		for _, u := range fillers {
			if u.Content != "" {
				p.result.Fillers = append(p.result.Fillers, u)
			}
		}
		g.metrics.ObserveGatherLatency(p.result.Elapsed)
		close(p.updates)
		close(p.done)
	}()
	return p
}

func (g *Gatherer) searchVector(ctx context.Context, in Input) []recall.Snippet {
	if g.searcher == nil || strings.TrimSpace(in.Text) == "" {
		return nil
	}
	out, err := g.searcher.Query(ctx, in.UserID, in.Text, recall.QueryOptions{
		Namespace: in.Namespace,
		Limit:     g.vectorLimit,
	})
	if err != nil {
		g.degrade("vector", in.UserID, err)
		return nil
	}
	return out
}

func (g *Gatherer) recallMemory(ctx context.Context, in Input) []memory.TurnRecord {
	if g.memory == nil || in.UserID == "" {
		return nil
	}
	switch g.prefilter.Decide(in.Text) {
	case policy.NeedNo:
		return nil
	case policy.NeedUnsure:
		if g.classifier == nil {
			return nil
		}
		need, err := g.classifier.NeedsRetrieval(ctx, in.Text)
		if err != nil {
			g.degrade("memory_classifier", in.UserID, err)
			return nil
		}
		if !need {
			return nil
		}
	}

	out, err := g.memory.Retrieve(ctx, in.UserID, in.Text, g.memoryLimit)
	if err != nil {
		g.degrade("memory", in.UserID, err)
		return nil
	}
	return out
}

func (g *Gatherer) fill(ctx context.Context, stage string, in Input) (Update, bool) {
	resp, err := g.filler.Stream(ctx, llm.Request{
		UserID: in.UserID,
		System: "You narrate, in at most eight words and without quotes, what a fitness coach is doing right now. " +
			"Never answer the question itself.",
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("Stage: %s. The athlete wrote: %s", stage, in.Text),
		}},
		Temperature: 0.7,
		MaxTokens:   24,
	}, nil)
	if err != nil {
		g.degrade("filler", in.UserID, err)
		return Update{}, false
	}
	line, _, _ := strings.Cut(strings.TrimSpace(resp.Text), "\n")
	line = strings.Trim(strings.TrimSpace(line), `"`)
	if line == "" {
		return Update{}, false
	}
	return Update{Stage: stage, Content: line}, true
}

func (g *Gatherer) degrade(capability, userID string, err error) {
	g.metrics.CapabilityError(capability)
	g.logger.Warn("context capability degraded",
		zap.String("task", capability),
		zap.String("user_id", userID),
		zap.Error(err),
	)
}
