// Package recall answers knowledge-base similarity queries for the context
// phase.
package recall

import (
	"context"
	"sort"
	"strings"

	"github.com/antoniostano/coachd/internal/catalog"
	"github.com/antoniostano/coachd/internal/policy"
)

const DefaultLimit = 3

type Snippet struct {
	Text   string  `json:"text"`
	Source string  `json:"source,omitempty"`
	Score  float64 `json:"score"`
}

type QueryOptions struct {
	Namespace string
	Limit     int
}

// Searcher is the vector-similarity capability.
type Searcher interface {
	Query(ctx context.Context, userID, text string, opts QueryOptions) ([]Snippet, error)
}

// StaticSearcher ranks the catalog knowledge snippets by term overlap. It
// serves deployments without pgvector.
type StaticSearcher struct {
	snippets []catalog.Snippet
}

func NewStaticSearcher(snippets []catalog.Snippet) *StaticSearcher {
	return &StaticSearcher{snippets: snippets}
}

func (s *StaticSearcher) Query(_ context.Context, _ string, text string, opts QueryOptions) ([]Snippet, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	queryTerms := policy.Terms(text)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	var out []Snippet
	for _, sn := range s.snippets {
		if opts.Namespace != "" && !strings.EqualFold(sn.Namespace, opts.Namespace) {
			continue
		}
		have := make(map[string]struct{})
		for _, t := range policy.Terms(sn.Text) {
			have[t] = struct{}{}
		}
		hits := 0
		for _, t := range queryTerms {
			if _, ok := have[t]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Snippet{
			Text:   sn.Text,
			Source: sn.Namespace,
			Score:  float64(hits) / float64(len(queryTerms)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
