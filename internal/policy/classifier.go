package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/llm"
)

var topicSchema = json.RawMessage(`{"type":"object","properties":{"changed":{"type":"boolean"},"confidence":{"type":"number"},"reason":{"type":"string"}},"required":["changed","confidence"]}`)

var retrievalSchema = json.RawMessage(`{"type":"object","properties":{"needs_memory":{"type":"boolean"}},"required":["needs_memory"]}`)

// LLMTopicClassifier asks a generator whether a message leaves the active
// flow.
type LLMTopicClassifier struct {
	Generator llm.Generator
}

func (c LLMTopicClassifier) Classify(ctx context.Context, text string, flow catalog.Flow) (TopicClassification, error) {
	var labels []string
	for _, f := range flow.Fields {
		labels = append(labels, f.Label)
	}
	system := fmt.Sprintf(
		"The user is in the middle of a %q conversation that collects: %s.\n"+
			"Decide whether their latest message changes the subject away from it. "+
			"Answers, clarifications and related questions are not a change. "+
			`Reply with JSON {"changed": bool, "confidence": 0..1, "reason": string}.`,
		flow.Title, strings.Join(labels, ", "))

	var out TopicClassification
	err := llm.GenerateJSON(ctx, c.Generator, llm.Request{
		System:   system,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: text}},
		Format:   topicSchema,
	}, &out)
	if err != nil {
		return TopicClassification{}, fmt.Errorf("classify topic: %w", err)
	}
	out.Confidence = clamp01(out.Confidence)
	return out, nil
}

// LLMMemoryClassifier settles memory retrieval when the keyword prefilter is
// unsure.
type LLMMemoryClassifier struct {
	Generator llm.Generator
}

func (c LLMMemoryClassifier) NeedsRetrieval(ctx context.Context, text string) (bool, error) {
	var out struct {
		NeedsMemory bool `json:"needs_memory"`
	}
	err := llm.GenerateJSON(ctx, c.Generator, llm.Request{
		System: "Decide whether answering the user's message well requires recalling their past conversations " +
			`(history, preferences, injuries, previous sessions). Reply with JSON {"needs_memory": bool}.`,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: text}},
		Format:   retrievalSchema,
	}, &out)
	if err != nil {
		return false, fmt.Errorf("classify retrieval: %w", err)
	}
	return out.NeedsMemory, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
