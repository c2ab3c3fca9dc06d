package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/collection"
	"github.com/antoniostano/coachd/internal/llm"
)

// LLMExtractor asks a generator for structured field values.
type LLMExtractor struct {
	Generator llm.Generator
}

type extraction struct {
	Fields []collection.FieldUpdate `json:"fields"`
}

func (x LLMExtractor) Extract(ctx context.Context, flow catalog.Flow, s *collection.Session, message string) ([]collection.FieldUpdate, error) {
	schema, err := extractionSchema(flow)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Extract details for %q from the athlete's latest message.\n", flow.Title)
	b.WriteString("Fields:\n")
	for _, f := range flow.Fields {
		status := "missing"
		if item, ok := s.Todo.Item(f.Name); ok && item.Status == collection.FieldSatisfied {
			status = "known: " + *item.Value
		}
		fmt.Fprintf(&b, "- %s: %s (%s)\n", f.Name, f.Description, status)
	}
	b.WriteString("Only report fields the latest message actually answers or corrects. " +
		"Use confidence between 0 and 1. Reply with JSON matching the schema; use an empty list when nothing applies.")

	history := historyMessages(s.History, 6)
	if n := len(history); n > 0 && history[n-1].Role == llm.RoleUser && history[n-1].Content == message {
		history = history[:n-1]
	}
	history = append(history, llm.Message{Role: llm.RoleUser, Content: message})

	var out extraction
	err = llm.GenerateJSON(ctx, x.Generator, llm.Request{
		UserID:      s.UserID,
		SessionID:   s.ID,
		System:      b.String(),
		Messages:    history,
		Format:      schema,
		Temperature: 0,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("extract fields: %w", err)
	}

	updates := make([]collection.FieldUpdate, 0, len(out.Fields))
	for _, u := range out.Fields {
		if _, ok := flow.Field(u.Field); !ok {
			continue
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func extractionSchema(flow catalog.Flow) (json.RawMessage, error) {
	names := make([]string, 0, len(flow.Fields))
	for _, f := range flow.Fields {
		names = append(names, f.Name)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fields": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name":       map[string]any{"type": "string", "enum": names},
						"value":      map[string]any{"type": "string"},
						"note":       map[string]any{"type": "string"},
						"confidence": map[string]any{"type": "number"},
					},
					"required": []string{"name", "value", "confidence"},
				},
			},
		},
		"required": []string{"fields"},
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal extraction schema: %w", err)
	}
	return raw, nil
}
