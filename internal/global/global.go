// Package global implements the cross-mailbox index. Promotable items are
// copied out of their mailbox index into shared term and item tables, where
// they can be searched by any principal the owning folder grants read
// access to.
//
// Term rows are keyed by field prefix + term and hold one posting column per
// GlobalItemID. Item rows are keyed by GlobalItemID and hold the stored
// fields plus the denormalized ACL. Every cell carries the revision
// timestamp of the mailbox item it was promoted from.
package global

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/posting"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

const (
	TermsTable    = "gterms"
	ItemsTable    = "gitems"
	CountersTable = "gcounters"

	// AccountTermsTable lists, per account, every term row holding one of
	// its postings.
	AccountTermsTable = "gacctterms"

	familyPostings = "p"
	familyItem     = "i"
	familyCounter  = "c"
	familyTerms    = "t"

	lockStripes = 64
)

var colACL = []byte("acl")

// GlobalDocument is the stored projection of a promoted item. Body text is
// never stored.
type GlobalDocument struct {
	ID       identity.GlobalItemID
	ModSeq   uint32
	Type     mailbox.ItemType
	Folder   uint32
	Subject  string
	Filename string
	Creator  string
	MimeType string
	Fragment string
	Date     time.Time
	Size     int64
}

type Options struct {
	ServerID string
	ACL      ACLSource
	Metrics  *metrics.Metrics
	// OnChange is called after promotions and deletes are committed.
	OnChange func(ctx context.Context)
}

// Index is the global index. It satisfies mailbox.Propagator.
type Index struct {
	pool     *widecol.Pool
	acl      ACLSource
	counter  *Counter
	metrics  *metrics.Metrics
	onChange func(ctx context.Context)
	logger   *slog.Logger

	// locks serialize promotion writes with the orphan purge of the same
	// account.
	locks [lockStripes]sync.Mutex
}

var _ mailbox.Propagator = (*Index)(nil)

func New(pool *widecol.Pool, opts Options) *Index {
	if opts.ServerID == "" {
		opts.ServerID = "default"
	}
	return &Index{
		pool:     pool,
		acl:      opts.ACL,
		counter:  NewCounter(pool, opts.ServerID, opts.Metrics),
		metrics:  opts.Metrics,
		onChange: opts.OnChange,
		logger:   logger.WithComponent("global-index"),
	}
}

func (ix *Index) accountLock(account uuid.UUID) *sync.Mutex {
	return &ix.locks[int(account[len(account)-1])%lockStripes]
}

// Counter returns the approximate item counter of this server.
func (ix *Index) Counter() *Counter {
	return ix.counter
}

// Start loads this server's partial count and computes the first total.
func (ix *Index) Start(ctx context.Context) error {
	if err := ix.counter.Load(ctx); err != nil {
		return err
	}
	return ix.counter.Refresh(ctx)
}

func (ix *Index) changed(ctx context.Context) {
	if ix.onChange != nil {
		ix.onChange(ctx)
	}
}

// Promote copies item revisions from src into the global index. Each item is
// read at its exact revision timestamp, so postings of older revisions never
// leak in. An item whose ACL cannot be resolved is logged and skipped; the
// rest of the batch still goes through.
func (ix *Index) Promote(ctx context.Context, src mailbox.RevisionSource, account uuid.UUID, items []mailbox.PromotedItem) error {
	log := logger.WithAccount(ix.logger, account)
	var errs []error
	added := 0
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ts := identity.RevisionTimestamp(it.Item, it.ModSeq)
		rev, ok, err := src.Revision(ctx, account, ts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			log.Debug("revision superseded before promotion", "item_id", it.Item, "mod_seq", it.ModSeq)
			continue
		}
		acl, err := ix.resolveACL(ctx, account, rev.Meta.Folder)
		if err != nil {
			ix.metrics.ACLLookupFailed()
			log.Warn("acl lookup failed, item not promoted",
				"item_id", it.Item,
				"folder", rev.Meta.Folder,
				"error", err,
			)
			continue
		}
		isNew, err := ix.promoteRevision(ctx, rev, acl)
		if err != nil {
			errs = append(errs, fmt.Errorf("promoting item %d: %w", it.Item, err))
			continue
		}
		if isNew {
			added++
		}
	}
	if added > 0 {
		if err := ix.counter.Add(ctx, int64(added)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(items) > 0 {
		log.Debug("items promoted", "requested", len(items), "new", added)
		ix.changed(ctx)
	}
	return errors.Join(errs...)
}

// promoteRevision writes the account term list, then postings, and the item
// row last: a reader that sees the item row can always find its postings.
// The writes hold the account lock so a concurrent purge never sees them half
// done.
func (ix *Index) promoteRevision(ctx context.Context, rev mailbox.Revision, acl []byte) (bool, error) {
	id := identity.NewGlobalItemID(rev.Account, rev.Item).Bytes()

	terms := widecol.NewBatch()
	termList := widecol.NewBatch()
	for _, p := range rev.Postings {
		terms.Put(p.Key, familyPostings, id, rev.Timestamp, posting.Encode(p.Info))
		termList.Put(rev.Account[:], familyTerms, p.Key, 0, nil)
	}
	items := widecol.NewBatch()
	for _, c := range encodeItem(rev.Meta, acl) {
		items.Put(id, familyItem, c.name, rev.Timestamp, c.value)
	}

	mu := ix.accountLock(rev.Account)
	mu.Lock()
	defer mu.Unlock()

	isNew := false
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		existing, err := h.Table(ItemsTable).Get(ctx, widecol.Get{
			Row:     id,
			Columns: []widecol.ColumnRef{{Family: familyItem, Column: mailbox.ColType}},
		})
		if err != nil {
			return err
		}
		isNew = existing.Empty()
		if terms.Len() > 0 {
			if err := h.Table(AccountTermsTable).Apply(ctx, termList); err != nil {
				return err
			}
			if err := h.Table(TermsTable).Apply(ctx, terms); err != nil {
				return err
			}
		}
		return h.Table(ItemsTable).Apply(ctx, items)
	})
	return isNew, err
}

// Delete removes the item rows of ids. Their postings stay behind as orphans
// until PurgeOrphans reclaims them.
func (ix *Index) Delete(ctx context.Context, ids []identity.GlobalItemID) error {
	if len(ids) == 0 {
		return nil
	}
	gets := make([]widecol.Get, len(ids))
	for i, id := range ids {
		gets[i] = widecol.Get{
			Row:     id.Bytes(),
			Columns: []widecol.ColumnRef{{Family: familyItem, Column: mailbox.ColType}},
		}
	}
	removed := 0
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		table := h.Table(ItemsTable)
		rows, err := table.GetBatch(ctx, gets)
		if err != nil {
			return err
		}
		batch := widecol.NewBatch()
		for i, row := range rows {
			if row.Empty() {
				continue
			}
			removed++
			batch.DeleteRow(gets[i].Row)
		}
		if batch.Len() == 0 {
			return nil
		}
		return table.Apply(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("deleting %d global items: %w", len(ids), err)
	}
	if removed > 0 {
		if err := ix.counter.Add(ctx, -int64(removed)); err != nil {
			return err
		}
		ix.changed(ctx)
	}
	return nil
}

// DeleteAccount removes every item row of account.
func (ix *Index) DeleteAccount(ctx context.Context, account uuid.UUID) error {
	start, stop := identity.AccountRange(account)
	removed := 0
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		table := h.Table(ItemsTable)
		rows, err := table.Scan(ctx, widecol.Scan{Start: start, Stop: stop})
		if err != nil {
			return err
		}
		batch := widecol.NewBatch()
		for _, row := range rows {
			if _, ok := row.Latest(familyItem, mailbox.ColType); ok {
				removed++
			}
			batch.DeleteRow(row.Key)
		}
		if batch.Len() == 0 {
			return nil
		}
		return table.Apply(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("deleting global items of %s: %w", account, err)
	}
	if removed > 0 {
		if err := ix.counter.Add(ctx, -int64(removed)); err != nil {
			return err
		}
		ix.changed(ctx)
	}
	logger.WithAccount(ix.logger, account).Info("global items of account deleted", "items", removed)
	return nil
}

// Document returns the current stored fields of id, ignoring access control.
func (ix *Index) Document(ctx context.Context, id identity.GlobalItemID) (GlobalDocument, bool, error) {
	var row widecol.Row
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(ItemsTable).Get(ctx, widecol.Get{Row: id.Bytes(), Families: []string{familyItem}})
		return err
	})
	if err != nil {
		return GlobalDocument{}, false, fmt.Errorf("reading global item %s: %w", id, err)
	}
	doc, ok := decodeItem(id, row)
	return doc, ok, nil
}

type column struct {
	name  []byte
	value []byte
}

func encodeItem(m mailbox.ItemMeta, acl []byte) []column {
	folder := make([]byte, 4)
	binary.BigEndian.PutUint32(folder, m.Folder)
	date := make([]byte, 8)
	binary.BigEndian.PutUint64(date, uint64(m.Date.UnixMilli()))
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(m.Size))
	return []column{
		{mailbox.ColType, []byte(m.Type)},
		{mailbox.ColFolder, folder},
		{mailbox.ColSubject, []byte(m.Subject)},
		{mailbox.ColFilename, []byte(m.Filename)},
		{mailbox.ColCreator, []byte(m.Creator)},
		{mailbox.ColMimeType, []byte(m.MimeType)},
		{mailbox.ColFragment, []byte(m.Fragment)},
		{mailbox.ColDate, date},
		{mailbox.ColSize, size},
		{colACL, acl},
	}
}

// decodeItem projects the cells written at the item's newest revision.
func decodeItem(id identity.GlobalItemID, row widecol.Row) (GlobalDocument, bool) {
	typ, ok := row.Latest(familyItem, mailbox.ColType)
	if !ok {
		return GlobalDocument{}, false
	}
	doc := GlobalDocument{
		ID:     id,
		ModSeq: identity.ModSeqFromTimestamp(typ.Timestamp),
		Type:   mailbox.ItemType(typ.Value),
	}
	for _, c := range row.Cells {
		if c.Family != familyItem || c.Timestamp != typ.Timestamp {
			continue
		}
		switch string(c.Column) {
		case string(mailbox.ColFolder):
			if len(c.Value) == 4 {
				doc.Folder = binary.BigEndian.Uint32(c.Value)
			}
		case string(mailbox.ColSubject):
			doc.Subject = string(c.Value)
		case string(mailbox.ColFilename):
			doc.Filename = string(c.Value)
		case string(mailbox.ColCreator):
			doc.Creator = string(c.Value)
		case string(mailbox.ColMimeType):
			doc.MimeType = string(c.Value)
		case string(mailbox.ColFragment):
			doc.Fragment = string(c.Value)
		case string(mailbox.ColDate):
			if len(c.Value) == 8 {
				doc.Date = time.UnixMilli(int64(binary.BigEndian.Uint64(c.Value))).UTC()
			}
		case string(mailbox.ColSize):
			if len(c.Value) == 8 {
				doc.Size = int64(binary.BigEndian.Uint64(c.Value))
			}
		}
	}
	return doc, true
}
