package mailbox

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// PurgeOrphans deletes postings with no matching item revision: every cell
// of superseded row versions, and in the current row any posting or item
// cell whose timestamp is not the newest revision of its item. It returns
// the number of postings removed. Running it twice removes nothing the
// second time.
//
// Only cells seen by the scan are deleted. When DeleteIndex moves the
// account to a new row version during the scan, nothing is deleted and the
// next sweep starts over.
func (s *Store) PurgeOrphans(ctx context.Context, account uuid.UUID) (int, error) {
	meta, err := s.readMeta(ctx, account)
	if err != nil {
		return 0, err
	}

	start, stop := identity.AccountRowRange(account)
	var rows []widecol.Row
	err = s.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		rows, err = h.Table(IndexTable).Scan(ctx, widecol.Scan{Start: start, Stop: stop})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("scanning index rows of %s: %w", account, err)
	}
	if s.afterPurgeScan != nil {
		s.afterPurgeScan()
	}
	after, err := s.readMeta(ctx, account)
	if err != nil {
		return 0, err
	}
	if after.version != meta.version {
		logger.WithAccount(s.logger, account).Debug("index version moved during orphan scan, skipping",
			"scanned_version", meta.version,
			"current_version", after.version,
		)
		return 0, nil
	}

	batch := widecol.NewBatch()
	purged := 0
	for _, row := range rows {
		_, version, err := identity.ParseMailboxRowKey(row.Key)
		if err != nil {
			return 0, err
		}
		if version != meta.version {
			purged += len(row.Family(FamilyPostings))
			for _, c := range row.Cells {
				batch.Delete(row.Key, c.Family, c.Column, c.Timestamp)
			}
			continue
		}
		current := latestRevisions(row.Cells)
		for _, c := range row.Cells {
			item := identity.ItemFromTimestamp(c.Timestamp)
			if ts, ok := current[item]; ok && ts == c.Timestamp {
				continue
			}
			batch.Delete(row.Key, c.Family, c.Column, c.Timestamp)
			if c.Family == FamilyPostings {
				purged++
			}
		}
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	err = s.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(IndexTable).Apply(ctx, batch)
	})
	if err != nil {
		return 0, fmt.Errorf("purging orphans of %s: %w", account, err)
	}
	s.metrics.OrphansPurged("mailbox", purged)
	logger.WithAccount(s.logger, account).Info("mailbox orphans purged",
		"postings", purged,
		"mutations", batch.Len(),
	)
	return purged, nil
}
