package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder calls the embeddings endpoint of a local Ollama server.
type OllamaEmbedder struct {
	client *api.Client
	model  string
}

func NewOllamaEmbedder(client *api.Client, model string) *OllamaEmbedder {
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaEmbedder{client: client, model: model}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	req := &api.EmbeddingRequest{
		Model:     e.model,
		Prompt:    text,
		KeepAlive: &api.Duration{Duration: 60 * time.Minute},
	}
	resp, err := e.client.Embeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return toFloat32(resp.Embedding), nil
}

func (e *OllamaEmbedder) Name() string {
	return fmt.Sprintf("ollama:%s", e.model)
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
