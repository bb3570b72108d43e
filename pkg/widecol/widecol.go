// Package widecol provides a multi-version wide-column store: byte-string row
// keys, named column families, explicit per-cell timestamps, time-range gets,
// simple server-side filters, bounded row scans and atomic batches. It is
// backed by a single pebble database in which every table is a key
// namespace.
package widecol

import (
	"bytes"
	"context"
)

// Cell is one versioned value addressed by (row, family, column, timestamp).
type Cell struct {
	Family    string
	Column    []byte
	Timestamp uint64
	Value     []byte
}

// Row is the set of cells returned for one row key. Cells are ordered by
// family, then column, then descending timestamp.
type Row struct {
	Key   []byte
	Cells []Cell
}

// Empty reports whether the row has no cells.
func (r Row) Empty() bool {
	return len(r.Cells) == 0
}

// Latest returns the newest cell for family/column.
func (r Row) Latest(family string, column []byte) (Cell, bool) {
	for _, c := range r.Cells {
		if c.Family == family && bytes.Equal(c.Column, column) {
			return c, true
		}
	}
	return Cell{}, false
}

// Family returns every cell of the given family.
func (r Row) Family(family string) []Cell {
	out := make([]Cell, 0, len(r.Cells))
	for _, c := range r.Cells {
		if c.Family == family {
			out = append(out, c)
		}
	}
	return out
}

// TimeRange selects cells with Min <= ts < Max. A zero Max is unbounded.
type TimeRange struct {
	Min uint64
	Max uint64
}

// AllTime matches every timestamp.
func AllTime() TimeRange {
	return TimeRange{}
}

// At matches exactly one timestamp.
func At(ts uint64) TimeRange {
	return TimeRange{Min: ts, Max: ts + 1}
}

func (tr TimeRange) Contains(ts uint64) bool {
	if ts < tr.Min {
		return false
	}
	return tr.Max == 0 || ts < tr.Max
}

// ColumnRef names one column of one family.
type ColumnRef struct {
	Family string
	Column []byte
}

// Get reads one row. Families and Columns narrow the returned cells; the
// row filter is evaluated against every cell of the row inside Time.
type Get struct {
	Row        []byte
	Families   []string
	Columns    []ColumnRef
	Time       TimeRange
	CellFilter CellFilter
	RowFilter  RowFilter
}

// Scan reads rows with Start <= key < Stop. A nil Stop scans to the end of
// the table. Limit bounds the number of returned rows when positive.
type Scan struct {
	Start      []byte
	Stop       []byte
	Families   []string
	Columns    []ColumnRef
	Time       TimeRange
	CellFilter CellFilter
	RowFilter  RowFilter
	Limit      int
}

// Table is the client contract of one table. Every call is synchronous.
type Table interface {
	Name() string
	Get(ctx context.Context, get Get) (Row, error)
	GetBatch(ctx context.Context, gets []Get) ([]Row, error)
	Scan(ctx context.Context, scan Scan) ([]Row, error)
	Apply(ctx context.Context, batch *Batch) error
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

type selection struct {
	families   []string
	columns    []ColumnRef
	time       TimeRange
	cellFilter CellFilter
	rowFilter  RowFilter
}

func (s selection) project(row Row) (Row, bool) {
	timed := row.Cells[:0:0]
	for _, c := range row.Cells {
		if s.time.Contains(c.Timestamp) {
			timed = append(timed, c)
		}
	}
	candidate := Row{Key: row.Key, Cells: timed}
	if s.rowFilter != nil && !s.rowFilter.MatchRow(candidate) {
		return Row{}, false
	}
	out := Row{Key: row.Key, Cells: make([]Cell, 0, len(timed))}
	for _, c := range timed {
		if !s.wants(c) {
			continue
		}
		if s.cellFilter != nil && !s.cellFilter.MatchCell(c) {
			continue
		}
		out.Cells = append(out.Cells, c)
	}
	return out, true
}

func (s selection) wants(c Cell) bool {
	if len(s.columns) > 0 {
		for _, ref := range s.columns {
			if ref.Family == c.Family && bytes.Equal(ref.Column, c.Column) {
				return true
			}
		}
		return false
	}
	if len(s.families) == 0 {
		return true
	}
	for _, f := range s.families {
		if f == c.Family {
			return true
		}
	}
	return false
}
