package policy

import (
	"strings"
	"unicode"
)

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "at": {}, "be": {}, "but": {}, "do": {},
	"for": {}, "i": {}, "in": {}, "is": {}, "it": {}, "me": {}, "my": {}, "of": {},
	"on": {}, "or": {}, "so": {}, "that": {}, "the": {}, "to": {}, "was": {}, "we": {},
	"what": {}, "with": {}, "you": {}, "your": {},
}

// Terms lowercases text into distinct content words, dropping stopwords and
// single characters.
func Terms(text string) []string {
	words := words(text)
	seen := make(map[string]struct{}, len(words))
	out := make([]string, 0, len(words))
	for _, w := range words {
		if len(w) < 2 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// normalize lowercases text and collapses punctuation and whitespace into
// single spaces.
func normalize(text string) string {
	return strings.Join(words(text), " ")
}

// containsPhrase reports whether phrase occurs in normalized text on word
// boundaries.
func containsPhrase(normalized, phrase string) bool {
	phrase = normalize(phrase)
	if phrase == "" || normalized == "" {
		return false
	}
	return strings.Contains(" "+normalized+" ", " "+phrase+" ")
}

func containsAny(normalized string, phrases []string) bool {
	for _, p := range phrases {
		if containsPhrase(normalized, p) {
			return true
		}
	}
	return false
}
