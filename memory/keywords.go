package memory

import (
	"strings"
	"unicode"
)

const maxKeywords = 12

// Short function words that carry no retrieval signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "but": {}, "not": {},
	"you": {}, "all": {}, "can": {}, "had": {}, "her": {}, "was": {},
	"one": {}, "our": {}, "out": {}, "has": {}, "have": {}, "this": {},
	"that": {}, "with": {}, "from": {}, "they": {}, "will": {}, "would": {},
	"there": {}, "their": {}, "what": {}, "about": {}, "which": {},
	"when": {}, "were": {}, "been": {}, "into": {}, "than": {}, "them": {},
	"then": {}, "some": {}, "could": {}, "other": {}, "should": {},
	"also": {}, "does": {}, "just": {}, "like": {}, "more": {}, "only": {},
	"over": {}, "such": {}, "very": {}, "your": {}, "each": {},
}

// ExtractKeywords tokenizes on non-alphanumeric runs, lowercases, drops
// stopwords and tokens shorter than three characters, de-duplicates in
// first-seen order, and caps the result to max.
func ExtractKeywords(text string, max int) []string {
	if max <= 0 {
		max = maxKeywords
	}
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, max)
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		if _, drop := stopwords[tok]; drop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
		if len(out) == max {
			break
		}
	}
	return out
}
