package widecol

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	apperrors "github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/errors"
)

// Options configures the pebble database behind a Store.
type Options struct {
	Path       string
	InMemory   bool
	CacheSize  int64
	DisableWAL bool
	NoSync     bool
}

// Store owns the pebble database shared by every table.
type Store struct {
	db     *pebble.DB
	opts   Options
	logger *slog.Logger
}

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	popts := &pebble.Options{
		DisableWAL: opts.DisableWAL,
	}
	path := opts.Path
	if opts.InMemory {
		popts.FS = vfs.NewMem()
		if path == "" {
			path = "widecol"
		}
	}
	if opts.CacheSize > 0 {
		cache := pebble.NewCache(opts.CacheSize)
		defer cache.Unref()
		popts.Cache = cache
	}
	db, err := pebble.Open(path, popts)
	if err != nil {
		return nil, apperrors.StoreIO("opening pebble store", err)
	}
	s := &Store{
		db:     db,
		opts:   opts,
		logger: slog.Default().With("component", "widecol"),
	}
	s.logger.Info("store opened",
		"path", path,
		"in_memory", opts.InMemory,
		"wal_disabled", opts.DisableWAL,
	)
	return s, nil
}

// Table returns the client for the named table. Tables need no creation.
func (s *Store) Table(name string) Table {
	return &table{store: s, name: name, prefix: tablePrefix(name)}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return apperrors.StoreIO("closing pebble store", err)
	}
	return nil
}

func (s *Store) writeOpts() *pebble.WriteOptions {
	if s.opts.NoSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

type table struct {
	store  *Store
	name   string
	prefix []byte
}

func (t *table) Name() string {
	return t.name
}

func (t *table) Get(ctx context.Context, get Get) (Row, error) {
	if err := ctx.Err(); err != nil {
		return Row{}, err
	}
	sel := selection{
		families:   get.Families,
		columns:    get.Columns,
		time:       get.Time,
		cellFilter: get.CellFilter,
		rowFilter:  get.RowFilter,
	}
	lower := rowPrefix(t.name, get.Row)
	rows, err := t.collect(lower, PrefixEnd(lower), sel, 1)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{Key: get.Row}, nil
	}
	return rows[0], nil
}

func (t *table) GetBatch(ctx context.Context, gets []Get) ([]Row, error) {
	rows := make([]Row, len(gets))
	for i, g := range gets {
		row, err := t.Get(ctx, g)
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}
	return rows, nil
}

func (t *table) Scan(ctx context.Context, scan Scan) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel := selection{
		families:   scan.Families,
		columns:    scan.Columns,
		time:       scan.Time,
		cellFilter: scan.CellFilter,
		rowFilter:  scan.RowFilter,
	}
	lower := rowBound(t.name, scan.Start)
	var upper []byte
	if scan.Stop != nil {
		upper = rowBound(t.name, scan.Stop)
	} else {
		upper = PrefixEnd(t.prefix)
	}
	return t.collect(lower, upper, sel, scan.Limit)
}

func (t *table) collect(lower, upper []byte, sel selection, limit int) ([]Row, error) {
	iter, err := t.store.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, apperrors.StoreIO(fmt.Sprintf("opening iterator on %s", t.name), err)
	}
	defer iter.Close()

	var (
		rows    []Row
		current Row
	)
	flush := func() {
		if current.Key == nil {
			return
		}
		if row, ok := sel.project(current); ok && !row.Empty() {
			rows = append(rows, row)
		}
		current = Row{}
	}
	for iter.First(); iter.Valid(); iter.Next() {
		row, cell, err := decodeCellKey(iter.Key()[len(t.prefix):])
		if err != nil {
			return nil, apperrors.StoreIO(fmt.Sprintf("reading %s", t.name), err)
		}
		if current.Key != nil && !bytes.Equal(current.Key, row) {
			flush()
			if limit > 0 && len(rows) >= limit {
				return rows, nil
			}
		}
		if current.Key == nil {
			current.Key = row
		}
		cell.Value = append([]byte(nil), iter.Value()...)
		current.Cells = append(current.Cells, cell)
	}
	if err := iter.Error(); err != nil {
		return nil, apperrors.StoreIO(fmt.Sprintf("iterating %s", t.name), err)
	}
	flush()
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (t *table) Apply(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b == nil || b.Len() == 0 {
		return nil
	}
	pb := t.store.db.NewBatch()
	defer pb.Close()
	for _, op := range b.ops {
		var err error
		switch op.kind {
		case opPut:
			err = pb.Set(cellKey(t.name, op.row, op.family, op.column, op.timestamp), op.value, nil)
		case opDelete:
			err = pb.Delete(cellKey(t.name, op.row, op.family, op.column, op.timestamp), nil)
		case opDeleteFamily:
			start := familyPrefix(t.name, op.row, op.family)
			err = pb.DeleteRange(start, PrefixEnd(start), nil)
		case opDeleteRow:
			start := rowPrefix(t.name, op.row)
			err = pb.DeleteRange(start, PrefixEnd(start), nil)
		}
		if err != nil {
			return apperrors.StoreIO(fmt.Sprintf("staging mutation on %s", t.name), err)
		}
	}
	if err := pb.Commit(t.store.writeOpts()); err != nil {
		return apperrors.StoreIO(fmt.Sprintf("committing batch on %s", t.name), err)
	}
	return nil
}
