package policy

import (
	"regexp"
	"sort"
	"strings"

	"github.com/antoniostano/coachd/internal/collection"
)

// Goodbye decides when a closing pleasantry should finish a collection early.
type Goodbye struct {
	matcher          *regexp.Regexp
	SubstantialRatio float64
}

// NewGoodbye compiles phrases into a whole-message matcher that tolerates a
// single trailing '.', '!' or '?'.
func NewGoodbye(phrases []string, substantialRatio float64) *Goodbye {
	var alts []string
	for _, p := range phrases {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		alts = append(alts, strings.Join(strings.Fields(regexp.QuoteMeta(p)), `\s+`))
	}
	// Longest first so "thanks a lot" wins over "thanks".
	sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })

	g := &Goodbye{SubstantialRatio: substantialRatio}
	if len(alts) > 0 {
		g.matcher = regexp.MustCompile(`(?i)^\s*(?:` + strings.Join(alts, "|") + `)\s*[.!?]?\s*$`)
	}
	return g
}

func (g *Goodbye) Matches(text string) bool {
	if g == nil || g.matcher == nil {
		return false
	}
	return g.matcher.MatchString(text)
}

// ShouldAutoComplete requires a goodbye message and required-field progress
// of at least SubstantialRatio.
func (g *Goodbye) ShouldAutoComplete(text string, required collection.Progress) bool {
	return g.Matches(text) && g.Substantial(required)
}

// Substantial reports whether enough required fields are filled to finish a
// collection early.
func (g *Goodbye) Substantial(required collection.Progress) bool {
	if g == nil || required.Total == 0 {
		return false
	}
	return float64(required.Completed)/float64(required.Total) >= g.SubstantialRatio
}
