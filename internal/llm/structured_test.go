package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type captureGenerator struct {
	text string
	req  *Request
}

func (g captureGenerator) Stream(_ context.Context, req Request, _ DeltaHandler) (Response, error) {
	if g.req != nil {
		*g.req = req
	}
	return Response{Text: g.text}, nil
}

func TestGenerateJSONStripsFences(t *testing.T) {
	var seen Request
	g := captureGenerator{
		text: "```json\n{\"changed\": true, \"confidence\": 0.9}\n```",
		req:  &seen,
	}

	var out struct {
		Changed    bool    `json:"changed"`
		Confidence float64 `json:"confidence"`
	}
	if err := GenerateJSON(context.Background(), g, Request{}, &out); err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if !out.Changed || out.Confidence != 0.9 {
		t.Fatalf("GenerateJSON() out = %+v", out)
	}
	if string(seen.Format) != `"json"` {
		t.Fatalf("Format = %s, want json default", seen.Format)
	}
}

func TestGenerateJSONKeepsExplicitSchema(t *testing.T) {
	var seen Request
	schema := json.RawMessage(`{"type":"object"}`)
	g := captureGenerator{text: `Sure! {"ok": true} hope that helps`, req: &seen}

	var out map[string]any
	if err := GenerateJSON(context.Background(), g, Request{Format: schema}, &out); err != nil {
		t.Fatalf("GenerateJSON() error = %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("out = %v", out)
	}
	if string(seen.Format) != string(schema) {
		t.Fatalf("Format = %s, want explicit schema", seen.Format)
	}
}

func TestGenerateJSONNoObject(t *testing.T) {
	var out map[string]any
	err := GenerateJSON(context.Background(), captureGenerator{text: "no idea"}, Request{}, &out)
	if !errors.Is(err, ErrNoJSON) {
		t.Fatalf("GenerateJSON() error = %v, want ErrNoJSON", err)
	}
}

func TestMockGeneratorStructuredReply(t *testing.T) {
	var out map[string]any
	if err := GenerateJSON(context.Background(), NewMockGenerator(), Request{}, &out); err != nil {
		t.Fatalf("GenerateJSON(mock) error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("mock structured reply = %v, want empty object", out)
	}
}
