package policy

import "regexp"

type redactionRule struct {
	pattern *regexp.Regexp
	marker  string
	keep    func(match string) bool
}

var isoDate = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Cards run before phones so a card number is never reported as a phone.
var redactionRules = []redactionRule{
	{pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), marker: "[REDACTED_EMAIL]"},
	{pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), marker: "[REDACTED_CARD]"},
	{
		pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		marker:  "[REDACTED_PHONE]",
		// Workout logs are full of dates.
		keep: isoDate.MatchString,
	},
}

// RedactPII masks emails, card numbers and phone numbers in a turn before it
// is written to memory.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, rule := range redactionRules {
		out = rule.pattern.ReplaceAllStringFunc(out, func(match string) string {
			if rule.keep != nil && rule.keep(match) {
				return match
			}
			changed = true
			return rule.marker
		})
	}
	return out, changed
}
