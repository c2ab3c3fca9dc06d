package policy

import (
	"context"

	"github.com/antoniostano/coachd/internal/catalog"
)

// TopicVerdict is the deterministic first stage of topic-change detection.
type TopicVerdict int

const (
	TopicUnsure TopicVerdict = iota
	TopicStay
	TopicLeave
)

func (v TopicVerdict) String() string {
	switch v {
	case TopicStay:
		return "stay"
	case TopicLeave:
		return "leave"
	default:
		return "unsure"
	}
}

type TopicAction int

const (
	TopicContinue TopicAction = iota
	TopicSuggest
	TopicCancel
)

func (a TopicAction) String() string {
	switch a {
	case TopicSuggest:
		return "suggest"
	case TopicCancel:
		return "cancel"
	default:
		return "continue"
	}
}

type TopicClassification struct {
	Changed    bool    `json:"changed"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// TopicClassifier is the asynchronous second stage, consulted only when the
// prefilter is unsure.
type TopicClassifier interface {
	Classify(ctx context.Context, text string, flow catalog.Flow) (TopicClassification, error)
}

// TopicChange detects when the user has moved away from the active
// collection.
type TopicChange struct {
	Abandon          []string
	CancelThreshold  float64
	SuggestThreshold float64
	// ShortAnswerWords is the length at or below which a message is taken
	// as an answer to the last question.
	ShortAnswerWords int
}

func NewTopicChange(abandon []string, cancel, suggest float64) *TopicChange {
	return &TopicChange{
		Abandon:          abandon,
		CancelThreshold:  cancel,
		SuggestThreshold: suggest,
		ShortAnswerWords: 4,
	}
}

func (t *TopicChange) Prefilter(text string, flow catalog.Flow) TopicVerdict {
	norm := normalize(text)
	if norm == "" {
		return TopicStay
	}
	if containsAny(norm, t.Abandon) {
		return TopicLeave
	}
	if len(words(norm)) <= t.ShortAnswerWords {
		return TopicStay
	}
	if containsAny(norm, flow.Keywords()) || containsAny(norm, flow.Triggers) {
		return TopicStay
	}
	return TopicUnsure
}

// Decide maps a classification onto the cancel and suggest thresholds.
func (t *TopicChange) Decide(c TopicClassification) TopicAction {
	if !c.Changed {
		return TopicContinue
	}
	switch {
	case c.Confidence >= t.CancelThreshold:
		return TopicCancel
	case c.Confidence >= t.SuggestThreshold:
		return TopicSuggest
	default:
		return TopicContinue
	}
}

// Evaluate runs both stages. A classifier failure degrades to continue and
// is returned for logging.
func (t *TopicChange) Evaluate(ctx context.Context, classifier TopicClassifier, text string, flow catalog.Flow) (TopicAction, TopicClassification, error) {
	switch t.Prefilter(text, flow) {
	case TopicStay:
		return TopicContinue, TopicClassification{}, nil
	case TopicLeave:
		c := TopicClassification{Changed: true, Confidence: 1, Reason: "abandon phrase"}
		return TopicCancel, c, nil
	}
	if classifier == nil {
		return TopicContinue, TopicClassification{}, nil
	}
	c, err := classifier.Classify(ctx, text, flow)
	if err != nil {
		return TopicContinue, TopicClassification{}, err
	}
	return t.Decide(c), c, nil
}
