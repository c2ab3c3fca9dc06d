package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator provides deterministic local replies when no model backend is
// configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	text := buildMockReply(req)
	if onDelta != nil && text != "" {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func buildMockReply(req Request) string {
	// Structured callers get an empty object, which every decoder here treats
	// as "nothing found".
	if len(req.Format) > 0 {
		return "{}"
	}

	base := lastUserMessage(req)
	if base == "" {
		base = "I'm here whenever you're ready."
	}
	if len(req.Context) == 0 {
		return fmt.Sprintf("Got it: %s", base)
	}

	last := strings.TrimSpace(req.Context[len(req.Context)-1])
	if last == "" {
		return fmt.Sprintf("Got it: %s", base)
	}
	return fmt.Sprintf("Got it: %s\nI also remember: %s", base, last)
}
