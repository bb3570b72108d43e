// Package tokenizer provides text tokenisation for the index.
// It lower-cases input, splits on non-alphanumeric boundaries, removes
// stop-words, and applies a simple suffix-based stemmer. Removed words still
// advance the position counter so phrase offsets stay faithful to the text.
package tokenizer

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

// Token represents a single normalised term. Increment is the distance to the
// previous emitted token; Position is the running sum of increments.
type Token struct {
	Term      string
	Position  int
	Increment int
}

// Analyzer turns the text of one field into an ordered token stream.
type Analyzer interface {
	Analyze(field, text string) []Token
}

// Standard stems and filters free-text fields and emits keyword fields as a
// single lower-cased token.
type Standard struct {
	keyword map[string]struct{}
}

func NewStandard(keywordFields ...string) *Standard {
	kw := make(map[string]struct{}, len(keywordFields))
	for _, f := range keywordFields {
		kw[f] = struct{}{}
	}
	return &Standard{keyword: kw}
}

func (s *Standard) Analyze(field, text string) []Token {
	if _, ok := s.keyword[field]; ok {
		term := strings.ToLower(strings.TrimSpace(text))
		if term == "" {
			return nil
		}
		return []Token{{Term: term, Position: 0, Increment: 1}}
	}
	return Tokenize(text)
}

// Tokenize breaks text into a slice of stemmed, lowercased Tokens with
// stop-words removed.
func Tokenize(text string) []Token {
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2)
	pos := -1
	gap := 1
	for _, word := range words {
		if len(word) < 2 {
			gap++
			continue
		}
		if _, isStop := stopWords[word]; isStop {
			gap++
			continue
		}
		stemmed := stem(word)
		if stemmed == "" {
			gap++
			continue
		}
		pos += gap
		tokens = append(tokens, Token{
			Term:      stemmed,
			Position:  pos,
			Increment: gap,
		})
		gap = 1
	}
	return tokens
}

// stem applies a simple suffix-stripping stemmer to the given word.
func stem(word string) string {
	suffixes := []struct {
		suffix      string
		replacement string
		minLen      int
	}{
		{"ational", "ate", 2},
		{"tional", "tion", 2},
		{"encies", "ence", 2},
		{"ances", "ance", 2},
		{"ments", "ment", 2},
		{"izing", "ize", 2},
		{"ating", "ate", 2},
		{"iness", "y", 2},
		{"ously", "ous", 2},
		{"ively", "ive", 2},
		{"eness", "ene", 2},
		{"tion", "t", 3},
		{"sion", "s", 3},
		{"ying", "y", 2},
		{"ling", "l", 3},
		{"ies", "y", 2},
		{"ing", "", 3},
		{"ers", "er", 2},
		{"est", "", 3},
		{"ful", "", 3},
		{"ous", "", 3},
		{"ess", "", 3},
		{"ble", "", 3},
		{"ed", "", 3},
		{"er", "", 3},
		{"ly", "", 3},
		{"es", "", 3},
		{"ss", "ss", 2},
		{"s", "", 3},
	}
	for _, rule := range suffixes {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
