package widecol

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKeyComponentOrdering(t *testing.T) {
	values := [][]byte{
		{},
		{0x00},
		{0x00, 0x00},
		{0x00, 0x01},
		{0x01},
		[]byte("a"),
		[]byte("a\x00b"),
		[]byte("ab"),
		{0xff},
	}
	for i := 1; i < len(values); i++ {
		a := appendComponent(nil, values[i-1])
		b := appendComponent(nil, values[i])
		if bytes.Compare(a, b) >= 0 {
			t.Errorf("encoding of %x should sort before %x", values[i-1], values[i])
		}
	}
	for _, v := range values {
		got, rest, err := readComponent(appendComponent(nil, v))
		if err != nil {
			t.Fatalf("decoding %x: %v", v, err)
		}
		if !bytes.Equal(got, v) || len(rest) != 0 {
			t.Errorf("round trip of %x gave %x (rest %x)", v, got, rest)
		}
	}
}

func TestPutGetVersions(t *testing.T) {
	ctx := context.Background()
	tbl := openMem(t).Table("t")

	b := NewBatch()
	b.Put([]byte("row"), "f", []byte("c"), 5, []byte("v5"))
	b.Put([]byte("row"), "f", []byte("c"), 7, []byte("v7"))
	b.Put([]byte("row"), "g", []byte("c"), 1, []byte("other"))
	if err := tbl.Apply(ctx, b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	row, err := tbl.Get(ctx, Get{Row: []byte("row"), Families: []string{"f"}})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(row.Cells) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(row.Cells))
	}
	latest, ok := row.Latest("f", []byte("c"))
	if !ok || latest.Timestamp != 7 || string(latest.Value) != "v7" {
		t.Errorf("expected newest version 7, got %+v", latest)
	}

	row, err = tbl.Get(ctx, Get{Row: []byte("row"), Time: At(5)})
	if err != nil {
		t.Fatalf("get at 5: %v", err)
	}
	if len(row.Cells) != 1 || string(row.Cells[0].Value) != "v5" {
		t.Errorf("time-ranged get returned %+v", row.Cells)
	}

	missing, err := tbl.Get(ctx, Get{Row: []byte("nope")})
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if !missing.Empty() {
		t.Errorf("expected empty row, got %+v", missing)
	}
}

func TestDeleteExactAndFamily(t *testing.T) {
	ctx := context.Background()
	tbl := openMem(t).Table("t")

	b := NewBatch()
	b.Put([]byte("r"), "f", []byte("a"), 1, []byte("1"))
	b.Put([]byte("r"), "f", []byte("a"), 2, []byte("2"))
	b.Put([]byte("r"), "p", []byte("x"), 1, []byte("x"))
	if err := tbl.Apply(ctx, b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	del := NewBatch()
	del.Delete([]byte("r"), "f", []byte("a"), 1)
	if err := tbl.Apply(ctx, del); err != nil {
		t.Fatalf("delete: %v", err)
	}
	row, _ := tbl.Get(ctx, Get{Row: []byte("r"), Families: []string{"f"}})
	if len(row.Cells) != 1 || row.Cells[0].Timestamp != 2 {
		t.Fatalf("expected only version 2 to survive, got %+v", row.Cells)
	}

	del = NewBatch()
	del.DeleteFamily([]byte("r"), "f")
	if err := tbl.Apply(ctx, del); err != nil {
		t.Fatalf("delete family: %v", err)
	}
	row, _ = tbl.Get(ctx, Get{Row: []byte("r")})
	if len(row.Cells) != 1 || row.Cells[0].Family != "p" {
		t.Fatalf("expected only family p to survive, got %+v", row.Cells)
	}
}

func TestScanRangeAndFilters(t *testing.T) {
	ctx := context.Background()
	tbl := openMem(t).Table("t")

	b := NewBatch()
	for _, r := range []string{"a", "b", "c", "d"} {
		b.Put([]byte(r), "f", []byte("acl"), 1, []byte("\x00alice\x00"+r+"\x00"))
		b.Put([]byte(r), "f", []byte("x1"), 1, []byte("1"))
		b.Put([]byte(r), "f", []byte("y1"), 1, []byte("2"))
	}
	if err := tbl.Apply(ctx, b); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, err := tbl.Scan(ctx, Scan{Start: []byte("b"), Stop: []byte("d")})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 || string(rows[0].Key) != "b" || string(rows[1].Key) != "c" {
		t.Fatalf("unexpected scan rows %d", len(rows))
	}

	rows, _ = tbl.Scan(ctx, Scan{CellFilter: ColumnPrefixFilter{Family: "f", Prefix: []byte("x")}})
	for _, r := range rows {
		if len(r.Cells) != 1 || string(r.Cells[0].Column) != "x1" {
			t.Errorf("prefix filter leaked cells in row %s: %+v", r.Key, r.Cells)
		}
	}

	rows, _ = tbl.Scan(ctx, Scan{RowFilter: SingleColumnValueFilter{
		Family: "f", Column: []byte("acl"), Op: Substring, Value: []byte("\x00c\x00"), FilterIfMissing: true,
	}})
	if len(rows) != 1 || string(rows[0].Key) != "c" {
		t.Fatalf("row filter should keep only c, got %d rows", len(rows))
	}

	rows, _ = tbl.Scan(ctx, Scan{Limit: 3})
	if len(rows) != 3 {
		t.Errorf("expected limit 3, got %d", len(rows))
	}
}

func TestTablesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openMem(t)
	a, b := s.Table("a"), s.Table("ab")

	batch := NewBatch()
	batch.Put([]byte("r"), "f", []byte("c"), 1, []byte("in-a"))
	if err := a.Apply(ctx, batch); err != nil {
		t.Fatalf("apply: %v", err)
	}
	rows, err := b.Scan(ctx, Scan{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("table ab saw %d rows of table a", len(rows))
	}
}

func TestPoolReleasesHandle(t *testing.T) {
	p := NewPool(openMem(t), 2)
	boom := errors.New("boom")
	err := p.Do(context.Background(), func(h *Handle) error {
		if p.Available() != 1 {
			t.Errorf("expected one idle handle while in use, got %d", p.Available())
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if p.Available() != 2 {
		t.Errorf("handle not released: %d idle", p.Available())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h1, _ := p.Acquire(context.Background())
	h2, _ := p.Acquire(context.Background())
	if _, err := p.Acquire(ctx); err == nil {
		t.Error("expected acquire on exhausted pool with cancelled context to fail")
	}
	p.Release(h1)
	p.Release(h2)
}
