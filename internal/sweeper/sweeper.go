// Package sweeper reclaims orphaned postings. It walks every mailbox in
// account id order during a cron-scheduled window, purging the mailbox index
// and then the global index of each, and remembers where it stopped so the
// next window resumes there.
package sweeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

const (
	CursorTable = "sweep"

	defaultSchedule = "0 2 * * *"
	familyCursor    = "s"
)

var (
	cursorRow    = []byte("cursor")
	colAccountID = []byte("account")
)

// MailboxLister returns every mailbox id in byte order.
type MailboxLister interface {
	MailboxIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Purger removes the orphans of one account and returns how many postings
// it deleted.
type Purger interface {
	PurgeOrphans(ctx context.Context, account uuid.UUID) (int, error)
}

type Config struct {
	Schedule           string
	MaxRuntime         time.Duration
	MailboxesPerSecond float64
}

// Report summarizes one sweep run.
type Report struct {
	Mailboxes int
	Postings  int
	Failed    int
	// Completed is set when the run reached the end of the mailbox list.
	Completed bool
}

type Sweeper struct {
	pool    *widecol.Pool
	lister  MailboxLister
	purgers []Purger
	cfg     Config
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New returns a sweeper that runs each purger, in order, on every mailbox.
func New(pool *widecol.Pool, lister MailboxLister, cfg Config, m *metrics.Metrics, purgers ...Purger) (*Sweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	if !gronx.IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid sweeper schedule %q", cfg.Schedule)
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = time.Hour
	}
	limit := rate.Inf
	if cfg.MailboxesPerSecond > 0 {
		limit = rate.Limit(cfg.MailboxesPerSecond)
	}
	return &Sweeper{
		pool:    pool,
		lister:  lister,
		purgers: purgers,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		metrics: m,
		logger:  logger.WithComponent("sweeper"),
		now:     time.Now,
	}, nil
}

// Run sleeps until each scheduled window and sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "schedule", s.cfg.Schedule, "max_runtime", s.cfg.MaxRuntime)
	for {
		next, err := gronx.NextTickAfter(s.cfg.Schedule, s.now().UTC(), false)
		if err != nil {
			s.logger.Error("computing next sweep failed", "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}
		s.logger.Debug("next sweep scheduled", "at", next, "in", humanize.Time(next))

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			s.logger.Info("sweeper stopping")
			return
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("sweep failed", "error", err)
		}
	}
}

// RunOnce sweeps from the stored cursor until every mailbox has been visited
// or MaxRuntime elapses. Failures of single mailboxes are logged and
// skipped.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	started := s.now()

	ids, err := s.lister.MailboxIDs(ctx)
	if err != nil {
		s.metrics.SweepRun("error", 0)
		return report, fmt.Errorf("listing mailboxes: %w", err)
	}
	cursor, ok, err := s.loadCursor(ctx)
	if err != nil {
		s.metrics.SweepRun("error", 0)
		return report, err
	}
	startAt := 0
	if ok {
		startAt = resumeIndex(ids, cursor)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.MaxRuntime)
	defer cancel()

	outcome := "budget_exhausted"
	for i := startAt; i < len(ids); i++ {
		if err := s.limiter.Wait(runCtx); err != nil {
			break
		}
		account := ids[i]
		n, err := s.sweepMailbox(runCtx, account)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			report.Failed++
			logger.WithAccount(s.logger, account).Warn("mailbox sweep failed", "error", err)
		}
		report.Mailboxes++
		report.Postings += n
		if err := s.saveCursor(context.WithoutCancel(ctx), account); err != nil {
			s.metrics.SweepRun("error", report.Mailboxes)
			return report, err
		}
		if i == len(ids)-1 {
			report.Completed = true
		}
	}
	if startAt >= len(ids) {
		report.Completed = true
	}
	if report.Completed {
		outcome = "completed"
		if err := s.clearCursor(context.WithoutCancel(ctx)); err != nil {
			s.metrics.SweepRun("error", report.Mailboxes)
			return report, err
		}
	}
	if ctx.Err() != nil {
		outcome = "cancelled"
	}

	s.metrics.SweepRun(outcome, report.Mailboxes)
	s.logger.Info("sweep finished",
		"outcome", outcome,
		"mailboxes", report.Mailboxes,
		"failed", report.Failed,
		"postings", humanize.Comma(int64(report.Postings)),
		"elapsed", s.now().Sub(started),
	)
	return report, nil
}

func (s *Sweeper) sweepMailbox(ctx context.Context, account uuid.UUID) (int, error) {
	total := 0
	var errs []error
	for _, p := range s.purgers {
		n, err := p.PurgeOrphans(ctx, account)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total += n
	}
	return total, errors.Join(errs...)
}

// resumeIndex is the position of the first id strictly after cursor. The
// cursor mailbox may have been deleted since it was stored.
func resumeIndex(ids []uuid.UUID, cursor uuid.UUID) int {
	for i, id := range ids {
		if compare(id, cursor) > 0 {
			return i
		}
	}
	return len(ids)
}

func compare(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

func (s *Sweeper) loadCursor(ctx context.Context) (uuid.UUID, bool, error) {
	var row widecol.Row
	err := s.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(CursorTable).Get(ctx, widecol.Get{
			Row:     cursorRow,
			Columns: []widecol.ColumnRef{{Family: familyCursor, Column: colAccountID}},
		})
		return err
	})
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("loading sweep cursor: %w", err)
	}
	c, ok := row.Latest(familyCursor, colAccountID)
	if !ok {
		return uuid.Nil, false, nil
	}
	id, err := uuid.FromBytes(c.Value)
	if err != nil {
		s.logger.Warn("discarding unreadable sweep cursor", "error", err)
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

func (s *Sweeper) saveCursor(ctx context.Context, account uuid.UUID) error {
	b := widecol.NewBatch()
	b.Put(cursorRow, familyCursor, colAccountID, 0, account[:])
	err := s.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(CursorTable).Apply(ctx, b)
	})
	if err != nil {
		return fmt.Errorf("saving sweep cursor: %w", err)
	}
	return nil
}

func (s *Sweeper) clearCursor(ctx context.Context) error {
	b := widecol.NewBatch()
	b.DeleteRow(cursorRow)
	err := s.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(CursorTable).Apply(ctx, b)
	})
	if err != nil {
		return fmt.Errorf("clearing sweep cursor: %w", err)
	}
	return nil
}
