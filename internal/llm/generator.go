package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized generation request shared by every backend.
type Request struct {
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TurnID    string    `json:"turn_id,omitempty"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
	// Context lines are appended to the system prompt as background facts.
	Context []string `json:"context,omitempty"`
	// Format asks for JSON output. It is either the string "json" or a JSON
	// schema object.
	Format      json.RawMessage `json:"format,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// Response is the final text after streaming deltas.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments.
type DeltaHandler func(delta string) error

// Generator is the text-generation capability.
type Generator interface {
	Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode         string
	OllamaModel  string
	GeminiAPIKey string
	GeminiModel  string
	HTTPURL      string
}

// NewGenerator builds the configured backend and reports the mode it
// resolved to.
func NewGenerator(ctx context.Context, cfg Config, logger *zap.Logger) (Generator, string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		return newAutoGenerator(ctx, cfg, logger)
	case "ollama":
		g, err := newOllamaFromEnvironment(cfg.OllamaModel)
		return g, mode, err
	case "genai":
		g, err := NewGenAIGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		return g, mode, err
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("generator HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL), mode, nil
	case "mock":
		return NewMockGenerator(), mode, nil
	default:
		return nil, "", fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}

func newAutoGenerator(ctx context.Context, cfg Config, logger *zap.Logger) (Generator, string, error) {
	var local Generator
	if strings.TrimSpace(os.Getenv("OLLAMA_HOST")) != "" {
		if g, err := newOllamaFromEnvironment(cfg.OllamaModel); err == nil {
			local = g
		} else {
			logger.Warn("ollama generator unavailable", zap.Error(err))
		}
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		hosted, err := NewGenAIGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, "", err
		}
		if local != nil {
			return NewFallbackGenerator(hosted, local), "genai+ollama", nil
		}
		return hosted, "genai", nil
	}
	if local != nil {
		return local, "ollama", nil
	}
	if url := strings.TrimSpace(cfg.HTTPURL); url != "" {
		return NewHTTPGenerator(url), "http", nil
	}

	logger.Warn("no generator configured, using mock replies")
	return NewMockGenerator(), "mock", nil
}

func newOllamaFromEnvironment(model string) (*OllamaGenerator, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return NewOllamaGenerator(client, model), nil
}

// systemPrompt folds the context lines into the system instruction.
func systemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(req.System))
	var lines []string
	for _, c := range req.Context {
		if c = strings.TrimSpace(c); c != "" {
			lines = append(lines, c)
		}
	}
	if len(lines) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Relevant context:\n")
		for _, l := range lines {
			b.WriteString("- ")
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}

// lastUserMessage returns the newest user message content.
func lastUserMessage(req Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			return strings.TrimSpace(req.Messages[i].Content)
		}
	}
	return ""
}
