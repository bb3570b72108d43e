package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/posting"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// Reader is the read side of one mailbox generation.
type Reader struct {
	store   *Store
	account uuid.UUID
	version byte
	row     []byte
}

func (r *Reader) get(ctx context.Context, g widecol.Get) (widecol.Row, error) {
	g.Row = r.row
	var row widecol.Row
	err := r.store.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(IndexTable).Get(ctx, g)
		return err
	})
	return row, err
}

// Document returns the stored fields of the newest revision of item.
func (r *Reader) Document(ctx context.Context, item uint32) (StoredDocument, bool, error) {
	lo, hi := identity.ItemRange(item)
	row, err := r.get(ctx, widecol.Get{
		Families: []string{FamilyItem},
		Time:     widecol.TimeRange{Min: lo, Max: hi},
	})
	if err != nil {
		return StoredDocument{}, false, fmt.Errorf("reading item %d: %w", item, err)
	}
	typ, ok := row.Latest(FamilyItem, ColType)
	if !ok {
		return StoredDocument{}, false, nil
	}
	var cells []widecol.Cell
	for _, c := range row.Cells {
		if c.Timestamp == typ.Timestamp {
			cells = append(cells, c)
		}
	}
	return StoredDocument{
		Item:     item,
		ModSeq:   identity.ModSeqFromTimestamp(typ.Timestamp),
		ItemMeta: decodeMeta(cells),
	}, true, nil
}

// TermEnum walks the distinct terms of one field in byte order.
type TermEnum struct {
	terms []termStat
	pos   int
}

type termStat struct {
	term    string
	docFreq int
}

// Next advances to the next term.
func (e *TermEnum) Next() bool {
	if e.pos >= len(e.terms) {
		return false
	}
	e.pos++
	return true
}

func (e *TermEnum) Term() string {
	return e.terms[e.pos-1].term
}

// DocFreq is the number of distinct items holding the current term,
// counting superseded revisions that the sweeper has not yet removed.
func (e *TermEnum) DocFreq() int {
	return e.terms[e.pos-1].docFreq
}

func (e *TermEnum) Len() int {
	return len(e.terms)
}

// Terms enumerates the terms of field that are >= from. An empty from lists
// every term of the field; an unknown field yields an empty enumeration.
func (r *Reader) Terms(ctx context.Context, field, from string) (*TermEnum, error) {
	prefix, ok := FieldPrefix(field)
	if !ok {
		return &TermEnum{}, nil
	}
	row, err := r.get(ctx, widecol.Get{
		Families:   []string{FamilyPostings},
		CellFilter: widecol.ColumnPrefixFilter{Family: FamilyPostings, Prefix: []byte{prefix}},
	})
	if err != nil {
		return nil, fmt.Errorf("enumerating terms of %s: %w", field, err)
	}
	floor := append([]byte{prefix}, from...)
	enum := &TermEnum{}
	var (
		last  []byte
		items map[uint32]struct{}
	)
	for _, c := range row.Cells {
		if bytes.Compare(c.Column, floor) < 0 {
			continue
		}
		if last == nil || !bytes.Equal(c.Column, last) {
			if last != nil {
				enum.terms = append(enum.terms, termStat{term: string(last[1:]), docFreq: len(items)})
			}
			last = c.Column
			items = make(map[uint32]struct{})
		}
		items[identity.ItemFromTimestamp(c.Timestamp)] = struct{}{}
	}
	if last != nil {
		enum.terms = append(enum.terms, termStat{term: string(last[1:]), docFreq: len(items)})
	}
	return enum, nil
}

// Hit is one posting of a term for one item.
type Hit struct {
	Item      uint32
	Timestamp uint64
	Info      posting.TermInfo
}

// TermDocs iterates the items holding one term in item id order. The store
// returns postings as an unordered set, so SkipTo scans the buffer.
type TermDocs struct {
	hits []Hit
	pos  int
}

func (d *TermDocs) Next() bool {
	if d.pos >= len(d.hits) {
		return false
	}
	d.pos++
	return true
}

// SkipTo advances to the first item >= target.
func (d *TermDocs) SkipTo(target uint32) bool {
	for d.Next() {
		if d.Doc() >= target {
			return true
		}
	}
	return false
}

func (d *TermDocs) Doc() uint32 {
	return d.hits[d.pos-1].Item
}

func (d *TermDocs) Freq() int {
	return d.hits[d.pos-1].Info.Frequency()
}

func (d *TermDocs) Hit() Hit {
	return d.hits[d.pos-1]
}

func (d *TermDocs) Len() int {
	return len(d.hits)
}

// TermPositions extends TermDocs with the positions of the current hit.
type TermPositions struct {
	*TermDocs
}

func (p *TermPositions) Positions() []uint32 {
	return p.hits[p.pos-1].Info.Positions
}

// TermDocs returns the live postings of field:term, one per item.
func (r *Reader) TermDocs(ctx context.Context, field, term string) (*TermDocs, error) {
	hits, err := r.hits(ctx, field, term)
	if err != nil {
		return nil, err
	}
	return &TermDocs{hits: hits}, nil
}

func (r *Reader) TermPositions(ctx context.Context, field, term string) (*TermPositions, error) {
	docs, err := r.TermDocs(ctx, field, term)
	if err != nil {
		return nil, err
	}
	return &TermPositions{TermDocs: docs}, nil
}

// DocFreq returns the number of items holding field:term.
func (r *Reader) DocFreq(ctx context.Context, field, term string) (int, error) {
	hits, err := r.hits(ctx, field, term)
	if err != nil {
		return 0, err
	}
	return len(hits), nil
}

// hits reads every version of one posting column, keeps the newest revision
// per item and drops postings whose revision is no longer the item's
// current one.
func (r *Reader) hits(ctx context.Context, field, term string) ([]Hit, error) {
	key, ok := TermKey(field, term)
	if !ok {
		return nil, nil
	}
	row, err := r.get(ctx, widecol.Get{
		Columns: []widecol.ColumnRef{{Family: FamilyPostings, Column: key}},
	})
	if err != nil {
		return nil, fmt.Errorf("reading postings of %s:%s: %w", field, term, err)
	}
	if row.Empty() {
		return nil, nil
	}

	seen := make(map[uint32]struct{}, len(row.Cells))
	hits := make([]Hit, 0, len(row.Cells))
	minItem, maxItem := identity.MaxItemID, uint32(0)
	for _, c := range row.Cells {
		item := identity.ItemFromTimestamp(c.Timestamp)
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		info, err := posting.Decode(c.Value)
		if err != nil {
			return nil, fmt.Errorf("posting %s:%s of item %d: %w", field, term, item, err)
		}
		hits = append(hits, Hit{Item: item, Timestamp: c.Timestamp, Info: info})
		minItem = min(minItem, item)
		maxItem = max(maxItem, item)
	}

	current, err := r.currentRevisions(ctx, minItem, maxItem)
	if err != nil {
		return nil, err
	}
	live := hits[:0]
	for _, h := range hits {
		if current[h.Item] == h.Timestamp {
			live = append(live, h)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Item < live[j].Item })
	return live, nil
}

// currentRevisions maps every item in [minItem, maxItem] to the timestamp of
// its newest type cell.
func (r *Reader) currentRevisions(ctx context.Context, minItem, maxItem uint32) (map[uint32]uint64, error) {
	lo, _ := identity.ItemRange(minItem)
	_, hi := identity.ItemRange(maxItem)
	row, err := r.get(ctx, widecol.Get{
		Columns: []widecol.ColumnRef{{Family: FamilyItem, Column: ColType}},
		Time:    widecol.TimeRange{Min: lo, Max: hi},
	})
	if err != nil {
		return nil, fmt.Errorf("reading item revisions: %w", err)
	}
	return latestRevisions(row.Cells), nil
}

// latestRevisions expects type cells in descending timestamp order.
func latestRevisions(cells []widecol.Cell) map[uint32]uint64 {
	current := make(map[uint32]uint64, len(cells))
	for _, c := range cells {
		if c.Family != FamilyItem || !bytes.Equal(c.Column, ColType) {
			continue
		}
		item := identity.ItemFromTimestamp(c.Timestamp)
		if ts, ok := current[item]; !ok || c.Timestamp > ts {
			current[item] = c.Timestamp
		}
	}
	return current
}

// MaxDoc is one past the last assigned item id. It is an upper bound, not a
// count: the store cannot cheaply count live items.
func (r *Reader) MaxDoc(ctx context.Context) (int, error) {
	meta, err := r.store.readMeta(ctx, r.account)
	if err != nil {
		return 0, err
	}
	return int(meta.lastItem) + 1, nil
}

// NumDocs approximates the live item count by the last assigned item id.
func (r *Reader) NumDocs(ctx context.Context) (int, error) {
	meta, err := r.store.readMeta(ctx, r.account)
	if err != nil {
		return 0, err
	}
	return int(meta.lastItem), nil
}

// CorruptCell names a posting that failed to decode.
type CorruptCell struct {
	Term      string
	Item      uint32
	Timestamp uint64
	Err       error
}

type VerifyReport struct {
	Postings int
	Items    int
	Corrupt  []CorruptCell
}

func (v VerifyReport) OK() bool {
	return len(v.Corrupt) == 0
}

// Verify decodes every posting of the row and reports the ones that fail.
func (r *Reader) Verify(ctx context.Context) (VerifyReport, error) {
	row, err := r.get(ctx, widecol.Get{})
	if err != nil {
		return VerifyReport{}, fmt.Errorf("verifying index of %s: %w", r.account, err)
	}
	var report VerifyReport
	report.Items = len(latestRevisions(row.Cells))
	for _, c := range row.Family(FamilyPostings) {
		report.Postings++
		if _, err := posting.Decode(c.Value); err != nil {
			report.Corrupt = append(report.Corrupt, CorruptCell{
				Term:      string(c.Column),
				Item:      identity.ItemFromTimestamp(c.Timestamp),
				Timestamp: c.Timestamp,
				Err:       err,
			})
		}
	}
	return report, nil
}
