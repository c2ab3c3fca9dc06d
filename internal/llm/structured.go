package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSON = errors.New("generator returned no JSON object")

var jsonFormat = json.RawMessage(`"json"`)

// GenerateJSON runs a non-streamed request that must answer with a JSON
// object and decodes it into out. Markdown fences and surrounding prose are
// tolerated.
func GenerateJSON(ctx context.Context, g Generator, req Request, out any) error {
	if len(req.Format) == 0 {
		req.Format = jsonFormat
	}
	resp, err := g.Stream(ctx, req, nil)
	if err != nil {
		return err
	}
	raw, ok := extractJSONObject(resp.Text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decode structured output: %w", err)
	}
	return nil
}

func extractJSONObject(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", false
	}
	return text[start : end+1], true
}
