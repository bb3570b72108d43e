// Package posting encodes the per-term occurrence record stored in every
// term cell: the token positions of the term inside one field and the total
// token count of that field.
package posting

import (
	"encoding/binary"
	"fmt"
	"sort"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

// TermInfo is one posting. Term frequency is len(Positions).
type TermInfo struct {
	Positions  []uint32
	FieldTotal uint32
}

func (t TermInfo) Frequency() int {
	return len(t.Positions)
}

// NormalizedFrequency is tf divided by the field length, or 0 when the field
// total is unknown.
func (t TermInfo) NormalizedFrequency() float64 {
	if t.FieldTotal == 0 {
		return 0
	}
	return float64(len(t.Positions)) / float64(t.FieldTotal)
}

// Encode writes uvarint(count), zig-zag varint position deltas, then
// uvarint(field total).
func Encode(t TermInfo) []byte {
	buf := make([]byte, 0, 2+len(t.Positions)*2)
	buf = binary.AppendUvarint(buf, uint64(len(t.Positions)))
	var prev int64
	for _, p := range t.Positions {
		buf = binary.AppendVarint(buf, int64(p)-prev)
		prev = int64(p)
	}
	return binary.AppendUvarint(buf, uint64(t.FieldTotal))
}

// Decode parses b. Truncated, oversized or trailing input is
// ErrMalformedPosting.
func Decode(b []byte) (TermInfo, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return TermInfo{}, malformed("position count")
	}
	b = b[n:]
	// every delta takes at least one byte
	if count > uint64(len(b)) {
		return TermInfo{}, malformed("position count exceeds payload")
	}
	var t TermInfo
	if count > 0 {
		t.Positions = make([]uint32, count)
	}
	var prev int64
	for i := range t.Positions {
		delta, n := binary.Varint(b)
		if n <= 0 {
			return TermInfo{}, malformed("position delta")
		}
		b = b[n:]
		prev += delta
		if prev < 0 || prev > int64(^uint32(0)) {
			return TermInfo{}, malformed("position out of range")
		}
		t.Positions[i] = uint32(prev)
	}
	total, n := binary.Uvarint(b)
	if n <= 0 || total > uint64(^uint32(0)) {
		return TermInfo{}, malformed("field total")
	}
	if len(b) != n {
		return TermInfo{}, malformed("trailing bytes")
	}
	t.FieldTotal = uint32(total)
	return t, nil
}

func malformed(what string) error {
	return fmt.Errorf("decoding %s: %w", what, apperrors.ErrMalformedPosting)
}

// Entry is one built posting keyed by its term key.
type Entry struct {
	Key  string
	Info TermInfo
}

// Builder accumulates postings for one document. Positions are collected
// while a field is tokenized; FinishField then stamps the field's final
// token count on every posting that field touched.
type Builder struct {
	postings map[string]*TermInfo
	current  map[string]*TermInfo
}

func NewBuilder() *Builder {
	return &Builder{
		postings: make(map[string]*TermInfo),
		current:  make(map[string]*TermInfo),
	}
}

// Add records an occurrence of key at position in the field being built.
func (b *Builder) Add(key string, position uint32) {
	ti, ok := b.postings[key]
	if !ok {
		ti = &TermInfo{}
		b.postings[key] = ti
	}
	ti.Positions = append(ti.Positions, position)
	b.current[key] = ti
}

// FinishField closes the field being built with its total token count.
func (b *Builder) FinishField(total uint32) {
	for key, ti := range b.current {
		ti.FieldTotal = total
		delete(b.current, key)
	}
}

// Len returns the number of distinct keys.
func (b *Builder) Len() int {
	return len(b.postings)
}

// Entries returns every posting ordered by key.
func (b *Builder) Entries() []Entry {
	out := make([]Entry, 0, len(b.postings))
	for key, ti := range b.postings {
		out = append(out, Entry{Key: key, Info: *ti})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
