package embedding

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
)

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Name() string
}

type Config struct {
	Mode         string
	Model        string
	GeminiAPIKey string
}

// New returns nil, nil when embeddings are disabled or nothing is
// configured in auto mode.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", "auto":
		if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
			return NewGenAIEmbedder(ctx, cfg.GeminiAPIKey, "")
		}
		if strings.TrimSpace(os.Getenv("OLLAMA_HOST")) != "" {
			return newOllamaFromEnvironment(cfg.Model)
		}
		return nil, nil
	case "none":
		return nil, nil
	case "ollama":
		return newOllamaFromEnvironment(cfg.Model)
	case "genai":
		return NewGenAIEmbedder(ctx, cfg.GeminiAPIKey, "")
	default:
		return nil, fmt.Errorf("unsupported embedding mode %q", cfg.Mode)
	}
}

func newOllamaFromEnvironment(model string) (*OllamaEmbedder, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return NewOllamaEmbedder(client, model), nil
}
