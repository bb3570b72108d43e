// Package mailbox implements the per-mailbox full-text index on top of the
// wide-column store.
//
// Every cell of one mailbox generation lives in a single row keyed by
// account id plus a version byte. The "i" family holds the stored item
// fields, the "p" family holds one posting per (field prefix + term). Cell
// timestamps carry (item id << 32 | mod sequence), so one item revision is a
// single time range and newer revisions sort first.
package mailbox

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/posting"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/indexer/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

const (
	IndexTable = "mbx"
	MetaTable  = "mbx_meta"

	FamilyItem     = "i"
	FamilyPostings = "p"
	familyMeta     = "m"
)

var (
	colVersion  = []byte("version")
	colLastItem = []byte("lastItem")
)

// Stored item columns.
var (
	ColType     = []byte("type")
	ColFolder   = []byte("folder")
	ColDate     = []byte("date")
	ColSize     = []byte("size")
	ColSortName = []byte("sortName")
	ColSubject  = []byte("subject")
	ColFilename = []byte("filename")
	ColCreator  = []byte("creator")
	ColMimeType = []byte("mime")
	ColFragment = []byte("fragment")
)

type ItemType string

const (
	TypeMessage     ItemType = "message"
	TypeContact     ItemType = "contact"
	TypeAppointment ItemType = "appointment"
	TypeTask        ItemType = "task"
	TypeDocument    ItemType = "document"
	TypeWiki        ItemType = "wiki"
)

// DefaultPromotable lists the item types copied into the global index.
var DefaultPromotable = []ItemType{TypeDocument, TypeWiki}

// Indexed field names.
const (
	FieldContent     = "content"
	FieldSubject     = "subject"
	FieldFrom        = "from"
	FieldTo          = "to"
	FieldCc          = "cc"
	FieldFilename    = "filename"
	FieldMimeType    = "type"
	FieldAttachments = "attachments"
	FieldCreator     = "creator"
	FieldTag         = "tag"
)

var fieldPrefixes = map[string]byte{
	FieldContent:     'c',
	FieldSubject:     's',
	FieldFrom:        'f',
	FieldTo:          't',
	FieldCc:          'k',
	FieldFilename:    'n',
	FieldMimeType:    'm',
	FieldAttachments: 'a',
	FieldCreator:     'r',
	FieldTag:         'g',
}

// FieldPrefix returns the one-byte prefix of an indexed field.
func FieldPrefix(field string) (byte, bool) {
	p, ok := fieldPrefixes[field]
	return p, ok
}

// TermKey is the posting column (and global term row) of field:term.
func TermKey(field, term string) ([]byte, bool) {
	p, ok := FieldPrefix(field)
	if !ok {
		return nil, false
	}
	return append([]byte{p}, term...), true
}

// NewAnalyzer returns the analyzer used for indexed fields: keyword fields
// are kept whole, free text is stemmed.
func NewAnalyzer() tokenizer.Analyzer {
	return tokenizer.NewStandard(FieldMimeType, FieldAttachments, FieldTag)
}

// Field is one indexed text stream of a document.
type Field struct {
	Name      string
	Value     string
	Indexed   bool
	Tokenized bool
}

// ItemMeta holds the stored, retrievable fields of one item revision. Body
// text is never stored.
type ItemMeta struct {
	Type     ItemType
	Folder   uint32
	Date     time.Time
	Size     int64
	SortName string
	Subject  string
	Filename string
	Creator  string
	MimeType string
	Fragment string
}

// Document is the input of Indexer.AddDocument.
type Document struct {
	Item   uint32
	ModSeq uint32
	ItemMeta
	Fields []Field
}

// StoredDocument is what Reader.Document reconstructs.
type StoredDocument struct {
	Item   uint32
	ModSeq uint32
	ItemMeta
}

// TermPosting is one posting cell of an item revision.
type TermPosting struct {
	Key  []byte
	Info posting.TermInfo
}

// Revision is every cell of one item revision.
type Revision struct {
	Account   uuid.UUID
	Item      uint32
	ModSeq    uint32
	Timestamp uint64
	Meta      ItemMeta
	Postings  []TermPosting
}

// PromotedItem names an item revision staged for the global index.
type PromotedItem struct {
	Item   uint32
	ModSeq uint32
	Folder uint32
}

// RevisionSource reads exact item revisions out of a mailbox index.
type RevisionSource interface {
	Revision(ctx context.Context, account uuid.UUID, ts uint64) (Revision, bool, error)
}

// Propagator receives the best-effort global index updates that follow a
// successful mailbox write.
type Propagator interface {
	Promote(ctx context.Context, src RevisionSource, account uuid.UUID, items []PromotedItem) error
	Delete(ctx context.Context, ids []identity.GlobalItemID) error
	DeleteAccount(ctx context.Context, account uuid.UUID) error
}

type Options struct {
	Analyzer   tokenizer.Analyzer
	Promotable []ItemType
	Propagator Propagator
	Breaker    resilience.CircuitBreakerConfig
	Metrics    *metrics.Metrics
}

// Store is the entry point of every mailbox index.
type Store struct {
	pool       *widecol.Pool
	analyzer   tokenizer.Analyzer
	promotable map[ItemType]struct{}
	global     Propagator
	breaker    *resilience.CircuitBreaker
	metrics    *metrics.Metrics
	versions   sync.Map
	logger     *slog.Logger

	afterPurgeScan func()
}

func NewStore(pool *widecol.Pool, opts Options) *Store {
	if opts.Analyzer == nil {
		opts.Analyzer = NewAnalyzer()
	}
	if opts.Promotable == nil {
		opts.Promotable = DefaultPromotable
	}
	promotable := make(map[ItemType]struct{}, len(opts.Promotable))
	for _, t := range opts.Promotable {
		promotable[t] = struct{}{}
	}
	breaker := opts.Breaker
	if breaker.OnStateChange == nil {
		breaker.OnStateChange = func(name string, to resilience.State) {
			opts.Metrics.SetBreakerState(name, int(to))
		}
	}
	return &Store{
		pool:       pool,
		analyzer:   opts.Analyzer,
		promotable: promotable,
		global:     opts.Propagator,
		breaker:    resilience.NewCircuitBreaker("global-propagation", breaker),
		metrics:    opts.Metrics,
		logger:     logger.WithComponent("mailbox-index"),
	}
}

// Promotable reports whether items of type t are copied to the global index.
func (s *Store) Promotable(t ItemType) bool {
	_, ok := s.promotable[t]
	return ok
}

// version returns the current row version of account, reading it from the
// meta table on first use.
func (s *Store) version(ctx context.Context, account uuid.UUID) (byte, error) {
	if v, ok := s.versions.Load(account); ok {
		return v.(byte), nil
	}
	meta, err := s.readMeta(ctx, account)
	if err != nil {
		return 0, err
	}
	// DeleteIndex may have cached a newer version since the read
	v, _ := s.versions.LoadOrStore(account, meta.version)
	return v.(byte), nil
}

// Version returns the current row version of account.
func (s *Store) Version(ctx context.Context, account uuid.UUID) (byte, error) {
	return s.version(ctx, account)
}

// accountMeta is the per-account state kept in the meta table. version is
// the generation of the account's index row. It is a single byte, so after
// 256 DeleteIndex calls it wraps to 0 and reuses an old row key; DeleteIndex
// clears that row first. Versions are strictly increasing only within one
// cycle of 256 generations.
type accountMeta struct {
	version  byte
	lastItem uint32
}

func (s *Store) readMeta(ctx context.Context, account uuid.UUID) (accountMeta, error) {
	var meta accountMeta
	err := s.pool.Do(ctx, func(h *widecol.Handle) error {
		row, err := h.Table(MetaTable).Get(ctx, widecol.Get{
			Row:      account[:],
			Families: []string{familyMeta},
		})
		if err != nil {
			return err
		}
		if c, ok := row.Latest(familyMeta, colVersion); ok && len(c.Value) == 1 {
			meta.version = c.Value[0]
		}
		if c, ok := row.Latest(familyMeta, colLastItem); ok && len(c.Value) == 4 {
			meta.lastItem = binary.BigEndian.Uint32(c.Value)
		}
		return nil
	})
	if err != nil {
		return accountMeta{}, fmt.Errorf("reading index meta of %s: %w", account, err)
	}
	return meta, nil
}

// Evict drops the cached version of account.
func (s *Store) Evict(account uuid.UUID) {
	s.versions.Delete(account)
}

// Warmup loads the row version of account into the cache.
func (s *Store) Warmup(ctx context.Context, account uuid.UUID) error {
	_, err := s.version(ctx, account)
	return err
}

// OpenIndexer starts a write batch against the current row of account.
func (s *Store) OpenIndexer(ctx context.Context, account uuid.UUID) (*Indexer, error) {
	v, err := s.version(ctx, account)
	if err != nil {
		return nil, err
	}
	return &Indexer{
		store:   s,
		account: account,
		version: v,
		row:     identity.MailboxRowKey(account, v),
		batch:   widecol.NewBatch(),
		logger:  logger.WithAccount(s.logger, account),
	}, nil
}

// OpenReader returns a reader bound to the current row of account.
func (s *Store) OpenReader(ctx context.Context, account uuid.UUID) (*Reader, error) {
	v, err := s.version(ctx, account)
	if err != nil {
		return nil, err
	}
	return &Reader{
		store:   s,
		account: account,
		version: v,
		row:     identity.MailboxRowKey(account, v),
	}, nil
}

// DeleteIndex logically truncates the index of account: the item family of
// the current row is deleted and the version byte is bumped so later
// operations address a fresh row. Postings left in the old row are reclaimed
// by PurgeOrphans.
func (s *Store) DeleteIndex(ctx context.Context, account uuid.UUID) error {
	v, err := s.version(ctx, account)
	if err != nil {
		return err
	}
	next := v + 1
	batch := widecol.NewBatch()
	batch.DeleteFamily(identity.MailboxRowKey(account, v), FamilyItem)
	// the version byte wraps, so the next row may hold an ancient generation
	batch.DeleteRow(identity.MailboxRowKey(account, next))

	meta := widecol.NewBatch()
	meta.Put(account[:], familyMeta, colVersion, 0, []byte{next})

	err = s.pool.Do(ctx, func(h *widecol.Handle) error {
		if err := h.Table(IndexTable).Apply(ctx, batch); err != nil {
			return err
		}
		return h.Table(MetaTable).Apply(ctx, meta)
	})
	if err != nil {
		return fmt.Errorf("deleting index of %s: %w", account, err)
	}
	s.versions.Store(account, next)

	log := logger.WithAccount(s.logger, account)
	log.Info("mailbox index deleted", "old_version", v, "new_version", next)

	if s.global != nil {
		err := s.breaker.Execute(func() error {
			return s.global.DeleteAccount(ctx, account)
		})
		if err != nil {
			s.metrics.PropagationFailed("delete_account")
			log.Warn("global purge request failed", "error", err)
		}
	}
	return nil
}

func (s *Store) recordLastItem(ctx context.Context, account uuid.UUID, item uint32) error {
	meta, err := s.readMeta(ctx, account)
	if err != nil {
		return err
	}
	if item <= meta.lastItem {
		return nil
	}
	b := widecol.NewBatch()
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, item)
	b.Put(account[:], familyMeta, colLastItem, 0, val)
	return s.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(MetaTable).Apply(ctx, b)
	})
}

// Revision reads the item and posting cells written at exactly ts. Cells of
// other revisions are not returned. ok is false when the revision has no
// stored type cell.
func (s *Store) Revision(ctx context.Context, account uuid.UUID, ts uint64) (Revision, bool, error) {
	v, err := s.version(ctx, account)
	if err != nil {
		return Revision{}, false, err
	}
	var row widecol.Row
	err = s.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(IndexTable).Get(ctx, widecol.Get{
			Row:  identity.MailboxRowKey(account, v),
			Time: widecol.At(ts),
		})
		return err
	})
	if err != nil {
		return Revision{}, false, fmt.Errorf("reading revision %d of %s: %w", ts, account, err)
	}
	if _, ok := row.Latest(FamilyItem, ColType); !ok {
		return Revision{}, false, nil
	}
	rev := Revision{
		Account:   account,
		Item:      identity.ItemFromTimestamp(ts),
		ModSeq:    identity.ModSeqFromTimestamp(ts),
		Timestamp: ts,
		Meta:      decodeMeta(row.Family(FamilyItem)),
	}
	for _, c := range row.Family(FamilyPostings) {
		info, err := posting.Decode(c.Value)
		if err != nil {
			return Revision{}, false, fmt.Errorf("posting %q of item %d: %w", c.Column, rev.Item, err)
		}
		rev.Postings = append(rev.Postings, TermPosting{Key: c.Column, Info: info})
	}
	return rev, true, nil
}

type column struct {
	name  []byte
	value []byte
}

func encodeMeta(m ItemMeta) []column {
	folder := make([]byte, 4)
	binary.BigEndian.PutUint32(folder, m.Folder)
	date := make([]byte, 8)
	binary.BigEndian.PutUint64(date, uint64(m.Date.UnixMilli()))
	size := make([]byte, 8)
	binary.BigEndian.PutUint64(size, uint64(m.Size))
	return []column{
		{ColType, []byte(m.Type)},
		{ColFolder, folder},
		{ColDate, date},
		{ColSize, size},
		{ColSortName, []byte(m.SortName)},
		{ColSubject, []byte(m.Subject)},
		{ColFilename, []byte(m.Filename)},
		{ColCreator, []byte(m.Creator)},
		{ColMimeType, []byte(m.MimeType)},
		{ColFragment, []byte(m.Fragment)},
	}
}

// decodeMeta reads item cells of a single revision.
func decodeMeta(cells []widecol.Cell) ItemMeta {
	var m ItemMeta
	for _, c := range cells {
		switch string(c.Column) {
		case string(ColType):
			m.Type = ItemType(c.Value)
		case string(ColFolder):
			if len(c.Value) == 4 {
				m.Folder = binary.BigEndian.Uint32(c.Value)
			}
		case string(ColDate):
			if len(c.Value) == 8 {
				m.Date = time.UnixMilli(int64(binary.BigEndian.Uint64(c.Value))).UTC()
			}
		case string(ColSize):
			if len(c.Value) == 8 {
				m.Size = int64(binary.BigEndian.Uint64(c.Value))
			}
		case string(ColSortName):
			m.SortName = string(c.Value)
		case string(ColSubject):
			m.Subject = string(c.Value)
		case string(ColFilename):
			m.Filename = string(c.Value)
		case string(ColCreator):
			m.Creator = string(c.Value)
		case string(ColMimeType):
			m.MimeType = string(c.Value)
		case string(ColFragment):
			m.Fragment = string(c.Value)
		}
	}
	return m
}
