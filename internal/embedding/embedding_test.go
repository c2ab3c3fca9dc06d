package embedding

import (
	"context"
	"testing"
)

func TestNewDisabledModes(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "")
	for _, mode := range []string{"none", "auto", ""} {
		e, err := New(context.Background(), Config{Mode: mode})
		if err != nil {
			t.Fatalf("New(%q) error = %v", mode, err)
		}
		if e != nil {
			t.Fatalf("New(%q) = %v, want nil embedder", mode, e)
		}
	}
}

func TestNewRejectsUnknownMode(t *testing.T) {
	if _, err := New(context.Background(), Config{Mode: "word2vec"}); err == nil {
		t.Fatal("New(word2vec) error = nil")
	}
	if _, err := New(context.Background(), Config{Mode: "genai"}); err == nil {
		t.Fatal("New(genai without key) error = nil")
	}
}

func TestToFloat32(t *testing.T) {
	got := toFloat32([]float64{0.5, -1, 2.25})
	want := []float32{0.5, -1, 2.25}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("toFloat32()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
