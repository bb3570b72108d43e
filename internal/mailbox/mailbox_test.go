package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

type recordingPropagator struct {
	mu       sync.Mutex
	promoted []PromotedItem
	deleted  []identity.GlobalItemID
	purged   []uuid.UUID
	fail     error
}

func (p *recordingPropagator) Promote(_ context.Context, _ RevisionSource, _ uuid.UUID, items []PromotedItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promoted = append(p.promoted, items...)
	return p.fail
}

func (p *recordingPropagator) Delete(_ context.Context, ids []identity.GlobalItemID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, ids...)
	return p.fail
}

func (p *recordingPropagator) DeleteAccount(_ context.Context, account uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, account)
	return p.fail
}

func newTestStore(t *testing.T, prop Propagator) (*Store, *widecol.Pool) {
	t.Helper()
	db, err := widecol.Open(widecol.Options{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	pool := widecol.NewPool(db, 4)
	return NewStore(pool, Options{Propagator: prop}), pool
}

func testDoc(item, modSeq uint32, typ ItemType, subject, content string) Document {
	return Document{
		Item:   item,
		ModSeq: modSeq,
		ItemMeta: ItemMeta{
			Type:     typ,
			Folder:   2,
			Date:     time.UnixMilli(1700000000000).UTC(),
			Size:     int64(len(content)),
			SortName: subject,
			Subject:  subject,
			Fragment: content,
		},
		Fields: []Field{
			{Name: FieldSubject, Value: subject, Indexed: true, Tokenized: true},
			{Name: FieldContent, Value: content, Indexed: true, Tokenized: true},
		},
	}
}

func index(t *testing.T, s *Store, account uuid.UUID, docs ...Document) {
	t.Helper()
	ctx := context.Background()
	ix, err := s.OpenIndexer(ctx, account)
	if err != nil {
		t.Fatalf("open indexer: %v", err)
	}
	for _, d := range docs {
		if err := ix.AddDocument(d); err != nil {
			t.Fatalf("add document %d: %v", d.Item, err)
		}
	}
	if err := ix.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func docFreq(t *testing.T, s *Store, account uuid.UUID, field, term string) int {
	t.Helper()
	r, err := s.OpenReader(context.Background(), account)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	n, err := r.DocFreq(context.Background(), field, term)
	if err != nil {
		t.Fatalf("doc freq: %v", err)
	}
	return n
}

func TestAddAndRead(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()

	index(t, s, account,
		testDoc(3, 1, TypeMessage, "Quarterly report", "the cat sat on the cat mat"),
		testDoc(1, 1, TypeMessage, "Lunch", "dog and cat"),
	)

	r, err := s.OpenReader(ctx, account)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}

	doc, ok, err := r.Document(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("document 3: ok=%v err=%v", ok, err)
	}
	if doc.Subject != "Quarterly report" || doc.Type != TypeMessage || doc.Folder != 2 || doc.ModSeq != 1 {
		t.Errorf("unexpected stored document %+v", doc)
	}
	if !doc.Date.Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("date round trip: got %v", doc.Date)
	}
	if _, ok, _ := r.Document(ctx, 99); ok {
		t.Error("missing item should not be found")
	}

	td, err := r.TermPositions(ctx, FieldContent, "cat")
	if err != nil {
		t.Fatalf("term positions: %v", err)
	}
	if td.Len() != 2 {
		t.Fatalf("expected 2 items for cat, got %d", td.Len())
	}
	if !td.Next() || td.Doc() != 1 {
		t.Fatalf("expected item 1 first")
	}
	if !td.Next() || td.Doc() != 3 || td.Freq() != 2 {
		t.Fatalf("expected item 3 with tf 2, got item %d tf %d", td.Doc(), td.Freq())
	}
	pos := td.Positions()
	if len(pos) != 2 || pos[0] != 1 || pos[1] != 5 {
		t.Errorf("unexpected positions %v", pos)
	}
	if td.Hit().Info.FieldTotal != 4 {
		t.Errorf("expected field total 4, got %d", td.Hit().Info.FieldTotal)
	}

	docs, _ := r.TermDocs(ctx, FieldContent, "cat")
	if !docs.SkipTo(2) || docs.Doc() != 3 {
		t.Error("SkipTo(2) should land on item 3")
	}
	if docs.SkipTo(4) {
		t.Error("SkipTo past the end should report false")
	}

	if n := docFreq(t, s, account, "nosuchfield", "cat"); n != 0 {
		t.Errorf("unknown field should have doc freq 0, got %d", n)
	}
	if n := docFreq(t, s, account, FieldContent, "fish"); n != 0 {
		t.Errorf("absent term should have doc freq 0, got %d", n)
	}

	maxDoc, _ := r.MaxDoc(ctx)
	numDocs, _ := r.NumDocs(ctx)
	if maxDoc != 4 || numDocs != 3 {
		t.Errorf("doc stats derived from last item: maxDoc=%d numDocs=%d", maxDoc, numDocs)
	}
}

func TestTermsEnumeration(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account,
		testDoc(1, 1, TypeMessage, "alpha", "cat dog"),
		testDoc(2, 1, TypeMessage, "beta", "cat zebra"),
	)
	r, _ := s.OpenReader(ctx, account)

	all, err := r.Terms(ctx, FieldContent, "")
	if err != nil {
		t.Fatalf("terms: %v", err)
	}
	var got []string
	freqs := map[string]int{}
	for all.Next() {
		got = append(got, all.Term())
		freqs[all.Term()] = all.DocFreq()
	}
	want := []string{"cat", "dog", "zebra"}
	if len(got) != len(want) {
		t.Fatalf("got terms %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if freqs["cat"] != 2 || freqs["dog"] != 1 {
		t.Errorf("unexpected doc freqs %v", freqs)
	}

	from, _ := r.Terms(ctx, FieldContent, "d")
	if from.Len() != 2 {
		t.Errorf("terms >= d: expected 2, got %d", from.Len())
	}
	unknown, err := r.Terms(ctx, "bogus", "")
	if err != nil || unknown.Next() {
		t.Errorf("unknown field should enumerate nothing, err=%v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	ctx := context.Background()
	prop := &recordingPropagator{}
	s, _ := newTestStore(t, prop)
	account := uuid.New()
	index(t, s, account,
		testDoc(1, 1, TypeDocument, "spec", "cat"),
		testDoc(2, 1, TypeMessage, "note", "cat"),
	)
	if len(prop.promoted) != 1 || prop.promoted[0].Item != 1 {
		t.Fatalf("only the document item should be promoted, got %+v", prop.promoted)
	}

	ix, _ := s.OpenIndexer(ctx, account)
	if err := ix.DeleteDocument(ctx, []uint32{1, 42}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := ix.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := docFreq(t, s, account, FieldContent, "cat"); n != 1 {
		t.Errorf("expected one remaining item, got %d", n)
	}
	if len(prop.deleted) != 1 || prop.deleted[0] != identity.NewGlobalItemID(account, 1) {
		t.Errorf("expected global delete of item 1 only, got %v", prop.deleted)
	}
	r, _ := s.OpenReader(ctx, account)
	if _, ok, _ := r.Document(ctx, 1); ok {
		t.Error("deleted item still readable")
	}
}

func TestReindexSupersedesPostings(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account, testDoc(7, 5, TypeMessage, "v5", "cat fish"))
	index(t, s, account, testDoc(7, 7, TypeMessage, "v7", "cat dog"))

	if n := docFreq(t, s, account, FieldContent, "fish"); n != 0 {
		t.Errorf("posting of superseded revision still visible: %d", n)
	}
	if n := docFreq(t, s, account, FieldContent, "cat"); n != 1 {
		t.Errorf("expected one item for cat, got %d", n)
	}
	r, _ := s.OpenReader(ctx, account)
	doc, _, _ := r.Document(ctx, 7)
	if doc.Subject != "v7" || doc.ModSeq != 7 {
		t.Errorf("expected newest revision, got %+v", doc)
	}

	purged, err := s.PurgeOrphans(ctx, account)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 3 {
		t.Errorf("expected the 3 postings of revision 5 purged, got %d", purged)
	}
	if n := docFreq(t, s, account, FieldContent, "cat"); n != 1 {
		t.Errorf("purge removed a live posting")
	}
}

func TestDeleteIndexBumpsVersion(t *testing.T) {
	ctx := context.Background()
	prop := &recordingPropagator{}
	s, _ := newTestStore(t, prop)
	account := uuid.New()
	index(t, s, account, testDoc(1, 1, TypeMessage, "old", "cat"))

	before, _ := s.Version(ctx, account)
	if err := s.DeleteIndex(ctx, account); err != nil {
		t.Fatalf("delete index: %v", err)
	}
	if len(prop.purged) != 1 || prop.purged[0] != account {
		t.Errorf("expected a global purge request for the account, got %v", prop.purged)
	}

	ix, err := s.OpenIndexer(ctx, account)
	if err != nil {
		t.Fatalf("open indexer: %v", err)
	}
	if ix.Version() != before+1 {
		t.Fatalf("expected version %d, got %d", before+1, ix.Version())
	}
	if err := ix.AddDocument(testDoc(2, 1, TypeMessage, "new", "dog")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ix.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if n := docFreq(t, s, account, FieldContent, "cat"); n != 0 {
		t.Errorf("pre-delete posting reachable after DeleteIndex")
	}
	if n := docFreq(t, s, account, FieldContent, "dog"); n != 1 {
		t.Errorf("post-delete posting missing")
	}

	// a fresh store reads the persisted version
	s2 := NewStore(s.pool, Options{})
	if v, _ := s2.Version(ctx, account); v != before+1 {
		t.Errorf("persisted version: got %d, want %d", v, before+1)
	}
}

func TestDeleteIndexVersionWraps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account, testDoc(1, 1, TypeMessage, "ancient", "fossil"))
	start, _ := s.Version(ctx, account)

	for range 256 {
		if err := s.DeleteIndex(ctx, account); err != nil {
			t.Fatalf("delete index: %v", err)
		}
	}
	if v, _ := s.Version(ctx, account); v != start {
		t.Fatalf("after 256 generations version = %d, want %d", v, start)
	}
	if n := docFreq(t, s, account, FieldContent, "fossil"); n != 0 {
		t.Errorf("postings of the wrapped-over generation are reachable again")
	}
}

func TestPurgeOrphansIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account, testDoc(1, 1, TypeMessage, "hello", "cat dog"))

	n, err := s.PurgeOrphans(ctx, account)
	if err != nil || n != 0 {
		t.Fatalf("purge of clean mailbox: n=%d err=%v", n, err)
	}

	if err := s.DeleteIndex(ctx, account); err != nil {
		t.Fatalf("delete index: %v", err)
	}
	n, err = s.PurgeOrphans(ctx, account)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 orphan postings (subject + 2 content), got %d", n)
	}
	n, _ = s.PurgeOrphans(ctx, account)
	if n != 0 {
		t.Errorf("second purge should be a no-op, removed %d", n)
	}
}

func TestPurgeOrphansRacingDeleteIndex(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account, testDoc(1, 1, TypeMessage, "hello", "cat dog"))

	s.afterPurgeScan = func() {
		s.afterPurgeScan = nil
		if err := s.DeleteIndex(ctx, account); err != nil {
			t.Fatalf("delete index: %v", err)
		}
		index(t, s, account, testDoc(2, 1, TypeMessage, "fresh", "zebra"))
	}
	n, err := s.PurgeOrphans(ctx, account)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 0 {
		t.Errorf("purge across a version change removed %d postings", n)
	}

	meta, err := s.readMeta(ctx, account)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := s.Version(ctx, account); v != meta.version {
		t.Fatalf("cached version %d, stored version %d", v, meta.version)
	}
	ix, err := s.OpenIndexer(ctx, account)
	if err != nil {
		t.Fatal(err)
	}
	if ix.Version() != meta.version {
		t.Errorf("indexer writes to version %d, stored version is %d", ix.Version(), meta.version)
	}
	if err := ix.Close(ctx); err != nil {
		t.Fatal(err)
	}

	n, err = s.PurgeOrphans(ctx, account)
	if err != nil {
		t.Fatalf("second purge: %v", err)
	}
	if n != 3 {
		t.Errorf("expected the 3 postings of the old generation, got %d", n)
	}
	if got := docFreq(t, s, account, FieldContent, "zebra"); got != 1 {
		t.Errorf("live posting of the new generation lost, doc freq %d", got)
	}
}

func TestPropagationFailureDoesNotFailClose(t *testing.T) {
	prop := &recordingPropagator{fail: errors.New("global index down")}
	s, _ := newTestStore(t, prop)
	account := uuid.New()
	index(t, s, account, testDoc(1, 1, TypeWiki, "page", "cat"))
	if n := docFreq(t, s, account, FieldContent, "cat"); n != 1 {
		t.Errorf("local write lost after propagation failure")
	}
}

func TestCloseWithCancelledContextCommitsNothing(t *testing.T) {
	s, _ := newTestStore(t, nil)
	account := uuid.New()
	ix, _ := s.OpenIndexer(context.Background(), account)
	ix.AddDocument(testDoc(1, 1, TypeMessage, "x", "cat"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ix.Close(ctx); err == nil {
		t.Fatal("expected close to fail")
	}
	if n := docFreq(t, s, account, FieldContent, "cat"); n != 0 {
		t.Errorf("failed batch left %d postings", n)
	}
}

func TestRevisionAndVerify(t *testing.T) {
	ctx := context.Background()
	s, pool := newTestStore(t, nil)
	account := uuid.New()
	index(t, s, account, testDoc(4, 2, TypeDocument, "design", "cat dog"))

	rev, ok, err := s.Revision(ctx, account, identity.RevisionTimestamp(4, 2))
	if err != nil || !ok {
		t.Fatalf("revision: ok=%v err=%v", ok, err)
	}
	if rev.Item != 4 || rev.Meta.Subject != "design" || len(rev.Postings) != 3 {
		t.Errorf("unexpected revision %+v", rev)
	}
	if _, ok, _ := s.Revision(ctx, account, identity.RevisionTimestamp(4, 1)); ok {
		t.Error("revision at another mod sequence should not exist")
	}

	r, _ := s.OpenReader(ctx, account)
	report, err := r.Verify(ctx)
	if err != nil || !report.OK() || report.Postings != 3 || report.Items != 1 {
		t.Fatalf("clean verify: %+v err=%v", report, err)
	}

	b := widecol.NewBatch()
	b.Put(identity.MailboxRowKey(account, 0), FamilyPostings, []byte("cbroken"), identity.RevisionTimestamp(4, 2), []byte{0xff})
	if err := pool.Store().Table(IndexTable).Apply(ctx, b); err != nil {
		t.Fatalf("writing corrupt cell: %v", err)
	}
	report, _ = r.Verify(ctx)
	if report.OK() || len(report.Corrupt) != 1 || report.Corrupt[0].Item != 4 {
		t.Errorf("expected one corrupt cell, got %+v", report)
	}
}
