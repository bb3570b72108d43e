package query

import (
	"fmt"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/tokenizer"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

// Parse turns a query string into a Query. Words are required terms of
// defaultField unless written as field:word; "AND" and a leading "+" are
// accepted, while "OR", "NOT" and "-word" are unsupported. Every word goes
// through analyzer so query terms match indexed terms; words the analyzer
// drops entirely (stop words) are ignored.
func Parse(input, defaultField string, analyzer tokenizer.Analyzer) (Query, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty query: %w", apperrors.ErrInvalidInput)
	}
	var clauses []Clause
	words := strings.Fields(input)
	for i := 0; i < len(words); i++ {
		word := words[i]
		switch strings.ToUpper(word) {
		case "AND":
			continue
		case "OR":
			return nil, fmt.Errorf("disjunction in %q: %w", input, apperrors.ErrUnsupportedQuery)
		case "NOT":
			return nil, fmt.Errorf("negation in %q: %w", input, apperrors.ErrUnsupportedQuery)
		}
		occur := Must
		switch {
		case strings.HasPrefix(word, "-"):
			occur = MustNot
			word = word[1:]
		case strings.HasPrefix(word, "+"):
			word = word[1:]
		}
		field := defaultField
		if f, text, ok := strings.Cut(word, ":"); ok && f != "" && text != "" {
			field, word = f, text
		}
		tokens := analyzer.Analyze(field, word)
		for _, tok := range tokens {
			clauses = append(clauses, Clause{Occur: occur, Term: Term{Field: field, Text: tok.Term}})
		}
	}
	if len(clauses) == 0 {
		return nil, fmt.Errorf("query %q has no searchable terms: %w", input, apperrors.ErrInvalidInput)
	}
	return FromClauses(clauses)
}
