package global

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/posting"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// TermHit is one ranked match. Two hits are the same match when their IDs
// are equal.
type TermHit struct {
	ID        identity.GlobalItemID
	Timestamp uint64
	Posting   posting.TermInfo
	Score     float64
}

// Result is a visible, current search match.
type Result struct {
	ID       identity.GlobalItemID
	Score    float64
	Document GlobalDocument
}

type candidate struct {
	hit    TermHit
	tf     float64
	stamps []uint64
}

// Search runs q on behalf of principal and returns at most limit results
// (every result when limit <= 0) by descending score. Items principal may
// not read are filtered inside the store, and postings of superseded
// revisions are dropped.
func (ix *Index) Search(ctx context.Context, principal string, q query.Query, limit int) ([]Result, error) {
	if principal == "" {
		return nil, fmt.Errorf("search without principal: %w", apperrors.ErrUnauthorized)
	}
	var (
		candidates []*candidate
		err        error
	)
	switch q := q.(type) {
	case query.Term:
		candidates, err = ix.termCandidates(ctx, q)
	case query.And:
		candidates, err = ix.andCandidates(ctx, q)
	default:
		return nil, fmt.Errorf("query %T: %w", q, apperrors.ErrUnsupportedQuery)
	}
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results, err := ix.visible(ctx, principal, candidates)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// termCandidates scores a single term by frequency alone.
func (ix *Index) termCandidates(ctx context.Context, t query.Term) ([]*candidate, error) {
	hits, err := ix.postings(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]*candidate, len(hits))
	for i, h := range hits {
		h.Score = float64(h.Posting.Frequency())
		out[i] = &candidate{hit: h, tf: h.Posting.NormalizedFrequency(), stamps: []uint64{h.Timestamp}}
	}
	return out, nil
}

// andCandidates fetches each distinct clause once, weights it by
// ln(total/df) and intersects the lists starting from the shortest.
func (ix *Index) andCandidates(ctx context.Context, q query.And) ([]*candidate, error) {
	clauses := q.Distinct()
	lists := make([][]TermHit, len(clauses))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range clauses {
		g.Go(func() error {
			hits, err := ix.postings(gctx, c)
			if err != nil {
				return err
			}
			lists[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, l := range lists {
		if len(l) == 0 {
			return nil, nil
		}
	}

	total := ix.counter.Total()
	for _, l := range lists {
		w := idf(total, len(l))
		for i := range l {
			l[i].Score = float64(l[i].Posting.Frequency()) * w
		}
	}
	sort.SliceStable(lists, func(i, j int) bool { return len(lists[i]) < len(lists[j]) })

	acc := make(map[identity.GlobalItemID]*candidate, len(lists[0]))
	for _, h := range lists[0] {
		acc[h.ID] = &candidate{hit: h, tf: h.Posting.NormalizedFrequency(), stamps: []uint64{h.Timestamp}}
	}
	for _, l := range lists[1:] {
		next := make(map[identity.GlobalItemID]*candidate, min(len(acc), len(l)))
		for _, h := range l {
			c, ok := acc[h.ID]
			if !ok {
				continue
			}
			c.hit.Score += h.Score
			c.tf += h.Posting.NormalizedFrequency()
			c.stamps = append(c.stamps, h.Timestamp)
			next[h.ID] = c
		}
		if len(next) == 0 {
			return nil, nil
		}
		acc = next
	}
	out := make([]*candidate, 0, len(acc))
	for _, c := range acc {
		out = append(out, c)
	}
	return out, nil
}

// idf is ln(total/df). The total is an approximation that can lag behind
// the postings, so it is never allowed below df.
func idf(total int64, df int) float64 {
	if df <= 0 {
		return 0
	}
	n := max(total, int64(df))
	return math.Log(float64(n) / float64(df))
}

// postings reads the newest posting of every item for one term.
func (ix *Index) postings(ctx context.Context, t query.Term) ([]TermHit, error) {
	key, ok := mailbox.TermKey(t.Field, t.Text)
	if !ok {
		return nil, nil
	}
	var row widecol.Row
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(TermsTable).Get(ctx, widecol.Get{Row: key, Families: []string{familyPostings}})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading global postings of %s: %w", t, err)
	}
	hits := make([]TermHit, 0, len(row.Cells))
	var last []byte
	for _, c := range row.Cells {
		if last != nil && string(last) == string(c.Column) {
			continue
		}
		last = c.Column
		id, err := identity.ParseGlobalItemID(c.Column)
		if err != nil {
			ix.logger.Warn("skipping posting with malformed item id", "term", t.String(), "error", err)
			continue
		}
		info, err := posting.Decode(c.Value)
		if err != nil {
			ix.logger.Warn("skipping malformed posting", "term", t.String(), "item", id.String(), "error", err)
			continue
		}
		hits = append(hits, TermHit{ID: id, Timestamp: c.Timestamp, Posting: info})
	}
	return hits, nil
}

// visible loads the item rows of candidates through the ACL filter and keeps
// the ones whose every matching posting belongs to the current revision.
func (ix *Index) visible(ctx context.Context, principal string, candidates []*candidate) ([]Result, error) {
	filter := widecol.SingleColumnValueFilter{
		Family:          familyItem,
		Column:          colACL,
		Op:              widecol.Substring,
		Value:           aclNeedle(principal),
		FilterIfMissing: true,
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].hit.ID.Compare(candidates[j].hit.ID) < 0 })
	gets := make([]widecol.Get, len(candidates))
	for i, c := range candidates {
		gets[i] = widecol.Get{
			Row:       c.hit.ID.Bytes(),
			Families:  []string{familyItem},
			RowFilter: filter,
		}
	}
	var rows []widecol.Row
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		rows, err = h.Table(ItemsTable).GetBatch(ctx, gets)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading %d candidate items: %w", len(gets), err)
	}

	type scored struct {
		Result
		tf float64
	}
	out := make([]scored, 0, len(rows))
	for i, row := range rows {
		c := candidates[i]
		doc, ok := decodeItem(c.hit.ID, row)
		if !ok {
			continue
		}
		current := identity.RevisionTimestamp(c.hit.ID.Item, doc.ModSeq)
		stale := false
		for _, ts := range c.stamps {
			if ts != current {
				stale = true
				break
			}
		}
		if stale {
			continue
		}
		out = append(out, scored{Result: Result{ID: c.hit.ID, Score: c.hit.Score, Document: doc}, tf: c.tf})
	}
	// candidates are in id order, so equal scores and frequencies keep it
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].tf > out[j].tf
	})
	results := make([]Result, len(out))
	for i, s := range out {
		results[i] = s.Result
	}
	return results, nil
}
