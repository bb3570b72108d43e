package widecol

import "bytes"

// CellFilter keeps or drops individual cells.
type CellFilter interface {
	MatchCell(c Cell) bool
}

// RowFilter keeps or drops whole rows.
type RowFilter interface {
	MatchRow(r Row) bool
}

// ColumnPrefixFilter keeps cells of Family whose column starts with Prefix.
// An empty Family matches every family.
type ColumnPrefixFilter struct {
	Family string
	Prefix []byte
}

func (f ColumnPrefixFilter) MatchCell(c Cell) bool {
	if f.Family != "" && c.Family != f.Family {
		return false
	}
	return bytes.HasPrefix(c.Column, f.Prefix)
}

// Comparator selects how SingleColumnValueFilter compares values.
type Comparator int

const (
	Equal Comparator = iota
	Substring
)

// SingleColumnValueFilter keeps a row when the newest cell of Family/Column
// satisfies the comparison. Rows missing the column are dropped when
// FilterIfMissing is set and kept otherwise.
type SingleColumnValueFilter struct {
	Family          string
	Column          []byte
	Op              Comparator
	Value           []byte
	FilterIfMissing bool
}

func (f SingleColumnValueFilter) MatchRow(r Row) bool {
	c, ok := r.Latest(f.Family, f.Column)
	if !ok {
		return !f.FilterIfMissing
	}
	switch f.Op {
	case Substring:
		return bytes.Contains(c.Value, f.Value)
	default:
		return bytes.Equal(c.Value, f.Value)
	}
}
