package retrieval

import (
	"strings"
	"unicode"
)

// =============================================================================
// LEXICAL SCORING - Keyword overlap between question and stored text
// =============================================================================

// Tokenize lowercases text and splits it into distinct keyword tokens,
// dropping stopwords and single-character fragments. Deterministic for a
// given input.
func Tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)

	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})

	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if stopwords[f] {
			continue
		}
		tokens[f] = true
	}

	return tokens
}

// LexicalScore computes Jaccard overlap between two token sets.
// Returns a value in [0, 1].
func LexicalScore(query, doc map[string]bool) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}

	intersection := 0
	for tok := range query {
		if doc[tok] {
			intersection++
		}
	}
	if intersection == 0 {
		return 0
	}

	union := len(query) + len(doc) - intersection
	return float64(intersection) / float64(union)
}

// stopwords are terms too common in analytical questions to carry signal.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"to": true, "of": true, "in": true, "for": true, "on": true,
	"with": true, "at": true, "by": true, "from": true, "as": true,
	"and": true, "but": true, "or": true, "not": true, "no": true,
	"if": true, "then": true, "else": true, "when": true, "where": true,
	"all": true, "each": true, "every": true, "some": true, "such": true,
	"this": true, "that": true, "these": true, "those": true,
	"it": true, "its": true, "me": true, "my": true, "we": true,
	"what": true, "which": true, "who": true, "whom": true,
	"show": true, "list": true, "give": true, "tell": true, "find": true,
	"get": true, "many": true, "much": true, "per": true, "out": true,
}
