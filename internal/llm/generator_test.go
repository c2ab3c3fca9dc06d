package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewGeneratorAutoFallsBackToMock(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	g, mode, err := NewGenerator(context.Background(), Config{Mode: "auto"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if mode != "mock" {
		t.Fatalf("mode = %q, want mock", mode)
	}

	resp, err := g.Stream(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if !strings.Contains(resp.Text, "Got it: hello") {
		t.Fatalf("unexpected response text: %q", resp.Text)
	}
}

func TestNewGeneratorAutoPrefersHTTPOverMock(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	_, mode, err := NewGenerator(context.Background(), Config{HTTPURL: "http://localhost:1"}, nil)
	if err != nil {
		t.Fatalf("NewGenerator() error = %v", err)
	}
	if mode != "http" {
		t.Fatalf("mode = %q, want http", mode)
	}
}

func TestNewGeneratorRejectsUnknownMode(t *testing.T) {
	if _, _, err := NewGenerator(context.Background(), Config{Mode: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("NewGenerator() error = nil")
	}
	if _, _, err := NewGenerator(context.Background(), Config{Mode: "http"}, nil); err == nil {
		t.Fatal("NewGenerator(http without url) error = nil")
	}
}

func TestSystemPromptFoldsContext(t *testing.T) {
	got := systemPrompt(Request{System: "Be kind.", Context: []string{"likes rowing", "  ", "knee injury"}})
	want := "Be kind.\n\nRelevant context:\n- likes rowing\n- knee injury"
	if got != want {
		t.Fatalf("systemPrompt() = %q, want %q", got, want)
	}
}

func TestFallbackGeneratorUsesFallback(t *testing.T) {
	g := NewFallbackGenerator(errGenerator{}, okGenerator{text: "fallback"})
	resp, err := g.Stream(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackGeneratorSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	g := NewFallbackGenerator(cancelGenerator{}, fb)
	_, err := g.Stream(context.Background(), Request{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackGeneratorKeepsPartialPrimaryOutput(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	g := NewFallbackGenerator(partialGenerator{text: "Hel"}, fb)

	var got strings.Builder
	_, err := g.Stream(context.Background(), Request{}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err == nil {
		t.Fatal("Stream() error = nil, want primary error")
	}
	if fb.calls != 0 {
		t.Fatalf("fallback called after partial output, calls = %d", fb.calls)
	}
	if got.String() != "Hel" {
		t.Fatalf("deltas = %q, want Hel", got.String())
	}
}

func TestFallbackGeneratorFirstDeltaTimeout(t *testing.T) {
	g := NewFallbackGenerator(blockingGenerator{}, okGenerator{text: "quick"}).
		WithFirstDeltaTimeout(20 * time.Millisecond)

	resp, err := g.Stream(context.Background(), Request{}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Text != "quick" {
		t.Fatalf("resp.Text = %q, want quick", resp.Text)
	}
}

type errGenerator struct{}

func (errGenerator) Stream(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, errors.New("boom")
}

type okGenerator struct {
	text string
}

func (g okGenerator) Stream(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	if onDelta != nil {
		if err := onDelta(g.text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: g.text}, nil
}

type cancelGenerator struct{}

func (cancelGenerator) Stream(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, context.Canceled
}

type countingGenerator struct {
	text  string
	calls int
}

func (g *countingGenerator) Stream(context.Context, Request, DeltaHandler) (Response, error) {
	g.calls++
	return Response{Text: g.text}, nil
}

type partialGenerator struct {
	text string
}

func (g partialGenerator) Stream(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	if onDelta != nil {
		_ = onDelta(g.text)
	}
	return Response{}, errors.New("connection reset")
}

type blockingGenerator struct{}

func (blockingGenerator) Stream(ctx context.Context, _ Request, _ DeltaHandler) (Response, error) {
	<-ctx.Done()
	return Response{}, ctx.Err()
}
