package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPGeneratorConsumeSSE(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	var deltas []string
	resp, err := consumeStreaming(stream, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
	if strings.Join(deltas, "") != "Hello" {
		t.Fatalf("deltas = %q, want %q", strings.Join(deltas, ""), "Hello")
	}
}

func TestHTTPGeneratorConsumeNDJSON(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		"{\"text\":\" there\"}",
		"[DONE]",
		"{\"delta\":\"ignored\"}",
	}, "\n"))

	resp, err := consumeStreaming(stream, nil)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestHTTPGeneratorStreamPlainJSON(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Let's start with your goal."}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL)
	resp, err := g.Stream(context.Background(), Request{
		UserID:   "u1",
		Messages: []Message{{Role: RoleUser, Content: "build me a plan"}},
	}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if resp.Text != "Let's start with your goal." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if got.UserID != "u1" || len(got.Messages) != 1 {
		t.Fatalf("server received %+v", got)
	}
}

func TestHTTPGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL).Stream(context.Background(), Request{}, nil)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Stream() error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("StatusCode = %d", statusErr.StatusCode)
	}
}
