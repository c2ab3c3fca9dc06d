package policy

import (
	"github.com/antoniostano/coachd/internal/catalog"
)

// DetectFlow picks the flow whose trigger phrase best matches a chat
// message. The longest matching trigger wins; ties go to catalog order.
func DetectFlow(c *catalog.Catalog, text string) (catalog.Flow, bool) {
	norm := normalize(text)
	if norm == "" || c == nil {
		return catalog.Flow{}, false
	}

	var (
		best    catalog.Flow
		bestLen int
	)
	for _, f := range c.Flows {
		for _, trig := range f.Triggers {
			n := len(normalize(trig))
			if n > bestLen && containsPhrase(norm, trig) {
				best, bestLen = f, n
			}
		}
	}
	return best, bestLen > 0
}
