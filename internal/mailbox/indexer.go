package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/posting"
	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// Indexer stages the adds and deletes of one mailbox transaction. Nothing
// reaches the store until Close, which commits the whole batch atomically.
// An Indexer is not safe for concurrent use; callers serialize writes per
// mailbox.
type Indexer struct {
	store    *Store
	account  uuid.UUID
	version  byte
	row      []byte
	batch    *widecol.Batch
	promote  []PromotedItem
	deletes  []identity.GlobalItemID
	items    int
	lastItem uint32
	closed   bool
	logger   *slog.Logger
}

// Version returns the row version this indexer writes to.
func (ix *Indexer) Version() byte {
	return ix.version
}

// AddDocument stages the stored fields and postings of one item revision.
func (ix *Indexer) AddDocument(doc Document) error {
	if ix.closed {
		return fmt.Errorf("indexer is closed: %w", apperrors.ErrInvalidInput)
	}
	if doc.Type == "" {
		return fmt.Errorf("item %d has no type: %w", doc.Item, apperrors.ErrInvalidInput)
	}
	ts := identity.RevisionTimestamp(doc.Item, doc.ModSeq)

	for _, col := range encodeMeta(doc.ItemMeta) {
		ix.batch.Put(ix.row, FamilyItem, col.name, ts, col.value)
	}

	entries := ix.buildPostings(doc)
	for _, e := range entries {
		ix.batch.Put(ix.row, FamilyPostings, []byte(e.Key), ts, posting.Encode(e.Info))
	}

	if ix.store.Promotable(doc.Type) {
		ix.promote = append(ix.promote, PromotedItem{Item: doc.Item, ModSeq: doc.ModSeq, Folder: doc.Folder})
	}
	if doc.Item > ix.lastItem {
		ix.lastItem = doc.Item
	}
	ix.items++
	ix.logger.Debug("document staged",
		"item_id", doc.Item,
		"mod_seq", doc.ModSeq,
		"terms", len(entries),
	)
	return nil
}

// buildPostings tokenizes every indexed field. Values sharing a field name
// are one position space; each field's total is stamped once all of its
// values are consumed.
func (ix *Indexer) buildPostings(doc Document) []posting.Entry {
	var order []string
	byName := make(map[string][]Field)
	for _, f := range doc.Fields {
		if !f.Indexed {
			continue
		}
		if _, ok := FieldPrefix(f.Name); !ok {
			ix.logger.Debug("skipping unmapped field", "field", f.Name, "item_id", doc.Item)
			continue
		}
		if _, seen := byName[f.Name]; !seen {
			order = append(order, f.Name)
		}
		byName[f.Name] = append(byName[f.Name], f)
	}

	b := posting.NewBuilder()
	for _, name := range order {
		prefix, _ := FieldPrefix(name)
		var base, total uint32
		for _, f := range byName[name] {
			if !f.Tokenized {
				term := strings.ToLower(strings.TrimSpace(f.Value))
				if term == "" {
					continue
				}
				b.Add(string(prefix)+term, base)
				base++
				total++
				continue
			}
			last := -1
			for _, tok := range ix.store.analyzer.Analyze(name, f.Value) {
				b.Add(string(prefix)+tok.Term, base+uint32(tok.Position))
				last = tok.Position
				total++
			}
			base += uint32(last + 1)
		}
		b.FinishField(total)
	}
	return b.Entries()
}

// DeleteDocument stages the removal of every revision of the given items.
// The store cannot delete "all columns at a timestamp", so each item's
// cells are discovered with a time-ranged get and deleted by exact
// coordinates.
func (ix *Indexer) DeleteDocument(ctx context.Context, items []uint32) error {
	if ix.closed {
		return fmt.Errorf("indexer is closed: %w", apperrors.ErrInvalidInput)
	}
	gets := make([]widecol.Get, len(items))
	for i, item := range items {
		lo, hi := identity.ItemRange(item)
		gets[i] = widecol.Get{
			Row:      ix.row,
			Families: []string{FamilyItem, FamilyPostings},
			Time:     widecol.TimeRange{Min: lo, Max: hi},
		}
	}
	var rows []widecol.Row
	err := ix.store.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		rows, err = h.Table(IndexTable).GetBatch(ctx, gets)
		return err
	})
	if err != nil {
		return fmt.Errorf("discovering cells of %d items: %w", len(items), err)
	}
	for i, row := range rows {
		if row.Empty() {
			continue
		}
		for _, c := range row.Cells {
			ix.batch.Delete(ix.row, c.Family, c.Column, c.Timestamp)
		}
		ix.deletes = append(ix.deletes, identity.NewGlobalItemID(ix.account, items[i]))
		ix.logger.Debug("document delete staged", "item_id", items[i], "cells", len(row.Cells))
	}
	return nil
}

// Close commits the staged batch in one atomic call and then propagates to
// the global index. A failed commit writes nothing and returns ErrStoreIO;
// a failed propagation is logged and counted only.
func (ix *Indexer) Close(ctx context.Context) error {
	if ix.closed {
		return nil
	}
	ix.closed = true
	if ix.batch.Len() == 0 {
		return nil
	}

	s := ix.store
	err := s.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(IndexTable).Apply(ctx, ix.batch)
	})
	if err != nil {
		s.metrics.IndexBatch("failure", ix.items)
		ix.logger.Error("mailbox index batch failed",
			"mutations", ix.batch.Len(),
			"error", err,
		)
		return fmt.Errorf("committing index batch: %w", err)
	}
	s.metrics.IndexBatch("success", ix.items)
	ix.logger.Info("mailbox index batch committed",
		"items", ix.items,
		"deleted", len(ix.deletes),
		"mutations", ix.batch.Len(),
	)

	if ix.lastItem > 0 {
		if err := s.recordLastItem(ctx, ix.account, ix.lastItem); err != nil {
			return fmt.Errorf("recording last item id: %w", err)
		}
	}

	ix.propagate(ctx)
	return nil
}

func (ix *Indexer) propagate(ctx context.Context) {
	s := ix.store
	if s.global == nil {
		return
	}
	if len(ix.deletes) > 0 {
		err := s.breaker.Execute(func() error {
			return s.global.Delete(ctx, ix.deletes)
		})
		if err != nil {
			s.metrics.PropagationFailed("delete")
			ix.logger.Warn("global delete propagation failed", "items", len(ix.deletes), "error", err)
		}
	}
	if len(ix.promote) > 0 {
		err := s.breaker.Execute(func() error {
			return s.global.Promote(ctx, s, ix.account, ix.promote)
		})
		if err != nil {
			s.metrics.PropagationFailed("promote")
			ix.logger.Warn("global promotion failed", "items", len(ix.promote), "error", err)
		}
	}
}
