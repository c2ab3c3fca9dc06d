package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaGenerator streams chat completions from a local Ollama server.
type OllamaGenerator struct {
	client    *api.Client
	model     string
	keepAlive time.Duration
}

func NewOllamaGenerator(client *api.Client, model string) *OllamaGenerator {
	if strings.TrimSpace(model) == "" {
		model = "llama3.2"
	}
	return &OllamaGenerator{
		client:    client,
		model:     model,
		keepAlive: 30 * time.Minute,
	}
}

func (g *OllamaGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	stream := true
	chatReq := &api.ChatRequest{
		Model:     g.model,
		Messages:  toOllamaMessages(req),
		Stream:    &stream,
		Format:    req.Format,
		KeepAlive: &api.Duration{Duration: g.keepAlive},
		Options:   map[string]any{},
	}
	if req.Temperature > 0 {
		chatReq.Options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}

	var out strings.Builder
	err := g.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		delta := resp.Message.Content
		if delta == "" {
			return nil
		}
		out.WriteString(delta)
		if onDelta == nil {
			return nil
		}
		return onDelta(delta)
	})
	if err != nil {
		return Response{}, fmt.Errorf("ollama chat: %w", err)
	}
	return Response{Text: out.String()}, nil
}

func toOllamaMessages(req Request) []api.Message {
	out := make([]api.Message, 0, len(req.Messages)+1)
	if sys := systemPrompt(req); sys != "" {
		out = append(out, api.Message{Role: "system", Content: sys})
	}
	for _, m := range req.Messages {
		out = append(out, api.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
