package global

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

var colCount = []byte("count")

// Counter approximates the number of items in the global index. Each server
// owns one row holding its partial count; the total is the sum of every
// server's row and is only as fresh as the last Refresh. The partial cell is
// versioned by a local sequence so the newest write always wins.
type Counter struct {
	pool     *widecol.Pool
	serverID string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu      sync.Mutex
	partial int64
	seq     uint64

	total atomic.Int64
}

func NewCounter(pool *widecol.Pool, serverID string, m *metrics.Metrics) *Counter {
	return &Counter{
		pool:     pool,
		serverID: serverID,
		metrics:  m,
		logger:   logger.WithComponent("global-counter").With("server_id", serverID),
	}
}

// Load restores this server's partial count from the store. It must run
// before the first Add of a restarted server.
func (c *Counter) Load(ctx context.Context) error {
	var row widecol.Row
	err := c.pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(CountersTable).Get(ctx, widecol.Get{
			Row:     []byte(c.serverID),
			Columns: []widecol.ColumnRef{{Family: familyCounter, Column: colCount}},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("loading item counter of %s: %w", c.serverID, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cell, ok := row.Latest(familyCounter, colCount); ok && len(cell.Value) == 8 {
		c.partial = int64(binary.BigEndian.Uint64(cell.Value))
		c.seq = cell.Timestamp
	}
	return nil
}

// Add adjusts this server's partial count and persists it before returning.
// The cached total moves by delta immediately.
func (c *Counter) Add(ctx context.Context, delta int64) error {
	if delta == 0 {
		return nil
	}
	c.mu.Lock()
	c.partial += delta
	c.seq++
	partial, seq := c.partial, c.seq
	c.mu.Unlock()

	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(partial))
	b := widecol.NewBatch()
	b.Put([]byte(c.serverID), familyCounter, colCount, seq, val)
	if seq > 1 {
		b.Delete([]byte(c.serverID), familyCounter, colCount, seq-1)
	}
	err := c.pool.Do(ctx, func(h *widecol.Handle) error {
		return h.Table(CountersTable).Apply(ctx, b)
	})
	if err != nil {
		return fmt.Errorf("persisting item counter of %s: %w", c.serverID, err)
	}
	c.total.Add(delta)
	return nil
}

// Partial returns this server's own count.
func (c *Counter) Partial() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

// Total returns the cached sum over all servers.
func (c *Counter) Total() int64 {
	return c.total.Load()
}

// Refresh sums the newest cell of every server, resets the cached total and
// drops superseded versions of this server's cell.
func (c *Counter) Refresh(ctx context.Context) error {
	c.mu.Lock()
	seq := c.seq
	c.mu.Unlock()

	var sum int64
	err := c.pool.Do(ctx, func(h *widecol.Handle) error {
		table := h.Table(CountersTable)
		rows, err := table.Scan(ctx, widecol.Scan{
			Columns: []widecol.ColumnRef{{Family: familyCounter, Column: colCount}},
		})
		if err != nil {
			return err
		}
		stale := widecol.NewBatch()
		for _, row := range rows {
			cell, ok := row.Latest(familyCounter, colCount)
			if !ok || len(cell.Value) != 8 {
				continue
			}
			sum += int64(binary.BigEndian.Uint64(cell.Value))
			if string(row.Key) != c.serverID {
				continue
			}
			for _, old := range row.Cells {
				if old.Timestamp < seq {
					stale.Delete(row.Key, old.Family, old.Column, old.Timestamp)
				}
			}
		}
		if stale.Len() == 0 {
			return nil
		}
		return table.Apply(ctx, stale)
	})
	if err != nil {
		return fmt.Errorf("refreshing item counter: %w", err)
	}
	c.total.Store(sum)
	c.metrics.SetGlobalItemCount(sum)
	return nil
}

// Run refreshes the total every interval until ctx is done.
func (c *Counter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := resilience.Retry(ctx, "counter-refresh", resilience.RetryConfig{MaxAttempts: 3}, func() error {
				return c.Refresh(ctx)
			})
			if err != nil {
				c.logger.Warn("item counter refresh failed", "error", err)
				continue
			}
			c.logger.Debug("item counter refreshed", "total", c.Total())
		}
	}
}
