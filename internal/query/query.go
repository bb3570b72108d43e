// Package query models the searches the global index can execute: a single
// term, or a conjunction of terms. Any other shape is rejected when the query
// is built, never during execution.
package query

import (
	"fmt"
	"sort"
	"strings"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

// Query is either a Term or an And.
type Query interface {
	String() string
	isQuery()
}

// Term matches items holding Text in Field.
type Term struct {
	Field string
	Text  string
}

func (Term) isQuery() {}

func (t Term) String() string {
	return t.Field + ":" + t.Text
}

// NewTerm validates a term query.
func NewTerm(field, text string) (Term, error) {
	if field == "" || text == "" {
		return Term{}, fmt.Errorf("term query needs a field and text: %w", apperrors.ErrInvalidInput)
	}
	return Term{Field: field, Text: text}, nil
}

// And matches items holding every clause.
type And struct {
	Clauses []Term
}

func (And) isQuery() {}

func (a And) String() string {
	parts := make([]string, len(a.Clauses))
	for i, c := range a.Clauses {
		parts[i] = c.String()
	}
	return "+" + strings.Join(parts, " +")
}

// Distinct returns the clauses with duplicates removed, in field:text order.
func (a And) Distinct() []Term {
	seen := make(map[Term]struct{}, len(a.Clauses))
	out := make([]Term, 0, len(a.Clauses))
	for _, c := range a.Clauses {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// NewAnd validates a conjunction.
func NewAnd(clauses ...Term) (And, error) {
	if len(clauses) == 0 {
		return And{}, fmt.Errorf("conjunction without clauses: %w", apperrors.ErrInvalidInput)
	}
	for _, c := range clauses {
		if c.Field == "" || c.Text == "" {
			return And{}, fmt.Errorf("conjunction clause %q: %w", c.String(), apperrors.ErrInvalidInput)
		}
	}
	return And{Clauses: clauses}, nil
}

// Occur is the role of a clause in a boolean query.
type Occur int

const (
	Must Occur = iota
	Should
	MustNot
)

func (o Occur) String() string {
	switch o {
	case Must:
		return "MUST"
	case Should:
		return "SHOULD"
	case MustNot:
		return "MUST_NOT"
	default:
		return "UNKNOWN"
	}
}

// Clause is one term of a boolean query as callers describe it.
type Clause struct {
	Occur Occur
	Term  Term
}

// FromClauses builds a Query from boolean clauses. Every clause must be
// required; anything else is ErrUnsupportedQuery.
func FromClauses(clauses []Clause) (Query, error) {
	terms := make([]Term, 0, len(clauses))
	for _, c := range clauses {
		if c.Occur != Must {
			return nil, fmt.Errorf("%s clause %q: %w", c.Occur, c.Term.String(), apperrors.ErrUnsupportedQuery)
		}
		terms = append(terms, c.Term)
	}
	if len(terms) == 1 {
		return NewTerm(terms[0].Field, terms[0].Text)
	}
	return NewAnd(terms...)
}
