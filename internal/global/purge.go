package global

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// PurgeOrphans deletes the global postings of account whose item row is
// gone or whose revision is no longer current, and superseded item cells.
// It returns the number of postings removed.
//
// Only the term rows listed for the account are read. Candidates are
// collected without blocking promotion and confirmed against the item rows
// again under the account lock, so postings of a promotion still in flight
// are never taken for orphans.
func (ix *Index) PurgeOrphans(ctx context.Context, account uuid.UUID) (int, error) {
	var (
		purged    int
		itemCells int
		dropped   int
		termKeys  [][]byte
		termRows  []widecol.Row
		current   map[string]uint64
		stale     *widecol.Batch
	)
	err := ix.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		if termKeys, err = ix.accountTerms(ctx, h, account); err != nil {
			return err
		}
		if termRows, err = ix.accountPostings(ctx, h, account, termKeys); err != nil {
			return err
		}
		current, stale, err = ix.currentRevisions(ctx, h, account)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purging global orphans of %s: %w", account, err)
	}

	candidates := make(map[string]struct{})
	for _, row := range termRows {
		for _, c := range row.Cells {
			if ts, ok := current[string(c.Column)]; !ok || ts != c.Timestamp {
				candidates[string(c.Column)] = struct{}{}
			}
		}
	}
	if len(candidates) == 0 && stale.Len() == 0 {
		return 0, nil
	}

	mu := ix.accountLock(account)
	mu.Lock()
	defer mu.Unlock()
	err = ix.pool.Do(ctx, func(h *widecol.Handle) error {
		confirmed, err := ix.recheck(ctx, h, candidates)
		if err != nil {
			return err
		}
		orphans := widecol.NewBatch()
		emptied := widecol.NewBatch()
		for i, row := range termRows {
			kept := 0
			for _, c := range row.Cells {
				if _, ok := candidates[string(c.Column)]; !ok {
					kept++
					continue
				}
				if ts, ok := confirmed[string(c.Column)]; ok && ts == c.Timestamp {
					kept++
					continue
				}
				orphans.Delete(termKeys[i], c.Family, c.Column, c.Timestamp)
				purged++
			}
			if kept == 0 {
				emptied.Delete(account[:], familyTerms, termKeys[i], 0)
			}
		}
		if orphans.Len() > 0 {
			if err := h.Table(TermsTable).Apply(ctx, orphans); err != nil {
				return err
			}
		}
		if emptied.Len() > 0 {
			if err := ix.dropEmptyTerms(ctx, h, account, termKeys, emptied); err != nil {
				return err
			}
			dropped = emptied.Len()
		}
		itemCells = stale.Len()
		if itemCells > 0 {
			return h.Table(ItemsTable).Apply(ctx, stale)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging global orphans of %s: %w", account, err)
	}
	if purged > 0 || itemCells > 0 {
		ix.metrics.OrphansPurged("global", purged)
		logger.WithAccount(ix.logger, account).Info("global orphans purged",
			"postings", purged,
			"item_cells", itemCells,
			"terms_dropped", dropped,
		)
	}
	return purged, nil
}

// accountTerms lists the term row keys recorded for account.
func (ix *Index) accountTerms(ctx context.Context, h *widecol.Handle, account uuid.UUID) ([][]byte, error) {
	row, err := h.Table(AccountTermsTable).Get(ctx, widecol.Get{Row: account[:], Families: []string{familyTerms}})
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(row.Cells))
	for _, c := range row.Cells {
		keys = append(keys, c.Column)
	}
	return keys, nil
}

// accountPostings reads the postings of account in each listed term row.
// The result is aligned with keys.
func (ix *Index) accountPostings(ctx context.Context, h *widecol.Handle, account uuid.UUID, keys [][]byte) ([]widecol.Row, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	gets := make([]widecol.Get, len(keys))
	for i, k := range keys {
		gets[i] = widecol.Get{
			Row:        k,
			Families:   []string{familyPostings},
			CellFilter: widecol.ColumnPrefixFilter{Family: familyPostings, Prefix: account[:]},
		}
	}
	return h.Table(TermsTable).GetBatch(ctx, gets)
}

// currentRevisions maps every item row of account to its revision timestamp
// and collects the exact item cells left behind by older revisions.
func (ix *Index) currentRevisions(ctx context.Context, h *widecol.Handle, account uuid.UUID) (map[string]uint64, *widecol.Batch, error) {
	start, stop := identity.AccountRange(account)
	rows, err := h.Table(ItemsTable).Scan(ctx, widecol.Scan{Start: start, Stop: stop, Families: []string{familyItem}})
	if err != nil {
		return nil, nil, err
	}
	current := make(map[string]uint64, len(rows))
	stale := widecol.NewBatch()
	for _, row := range rows {
		typ, ok := row.Latest(familyItem, mailbox.ColType)
		for _, c := range row.Cells {
			if !ok || c.Timestamp < typ.Timestamp {
				stale.Delete(row.Key, c.Family, c.Column, c.Timestamp)
			}
		}
		if ok {
			current[string(row.Key)] = typ.Timestamp
		}
	}
	return current, stale, nil
}

// recheck re-reads the item rows of ids and returns the revision of those
// that still exist.
func (ix *Index) recheck(ctx context.Context, h *widecol.Handle, ids map[string]struct{}) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(ids))
	gets := make([]widecol.Get, 0, len(ids))
	for id := range ids {
		keys = append(keys, id)
		gets = append(gets, widecol.Get{
			Row:     []byte(id),
			Columns: []widecol.ColumnRef{{Family: familyItem, Column: mailbox.ColType}},
		})
	}
	rows, err := h.Table(ItemsTable).GetBatch(ctx, gets)
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if typ, ok := row.Latest(familyItem, mailbox.ColType); ok {
			out[keys[i]] = typ.Timestamp
		}
	}
	return out, nil
}

// dropEmptyTerms removes term list entries whose term row no longer holds a
// posting of account. Rows are read again first; the caller holds the
// account lock.
func (ix *Index) dropEmptyTerms(ctx context.Context, h *widecol.Handle, account uuid.UUID, keys [][]byte, emptied *widecol.Batch) error {
	rows, err := ix.accountPostings(ctx, h, account, keys)
	if err != nil {
		return err
	}
	emptied.Reset()
	for i, row := range rows {
		if len(row.Cells) == 0 {
			emptied.Delete(account[:], familyTerms, keys[i], 0)
		}
	}
	if emptied.Len() == 0 {
		return nil
	}
	return h.Table(AccountTermsTable).Apply(ctx, emptied)
}
