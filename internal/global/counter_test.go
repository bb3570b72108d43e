package global

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

func newCounterPool(t *testing.T) *widecol.Pool {
	t.Helper()
	store, err := widecol.Open(widecol.Options{InMemory: true, NoSync: true})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return widecol.NewPool(store, 4)
}

func refreshAll(t *testing.T, counters ...*Counter) {
	t.Helper()
	for _, c := range counters {
		if err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("refresh %s: %v", c.serverID, err)
		}
	}
}

func TestCounterConvergence(t *testing.T) {
	ctx := context.Background()
	pool := newCounterPool(t)

	counters := make([]*Counter, 3)
	for i := range counters {
		counters[i] = NewCounter(pool, fmt.Sprintf("srv-%d", i), nil)
		if err := counters[i].Load(ctx); err != nil {
			t.Fatalf("load: %v", err)
		}
	}

	// items promoted on one server are often deleted through another, so
	// partial counts may go negative
	deltas := [][]int64{
		{+3, +1, -2, +5},
		{+2, -1, +4},
		{-1, -3, +1, -1, +2},
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range counters {
		g.Go(func() error {
			for _, d := range deltas[i] {
				if err := c.Add(gctx, d); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("add: %v", err)
	}

	refreshAll(t, counters...)
	var want int64
	for _, c := range counters {
		want += c.Partial()
	}
	if want != 10 {
		t.Fatalf("sum of partials = %d, want 10", want)
	}
	for _, c := range counters {
		if got := c.Total(); got != want {
			t.Errorf("%s total = %d, want %d", c.serverID, got, want)
		}
	}

	// srv-2 restarts and keeps counting from its persisted partial
	restarted := NewCounter(pool, "srv-2", nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("load after restart: %v", err)
	}
	if got := restarted.Partial(); got != -2 {
		t.Fatalf("restored partial = %d, want -2", got)
	}
	if err := restarted.Add(ctx, +4); err != nil {
		t.Fatalf("add after restart: %v", err)
	}
	live := []*Counter{counters[0], counters[1], restarted}
	refreshAll(t, live...)
	for _, c := range live {
		if got := c.Total(); got != 14 {
			t.Errorf("%s total after restart = %d, want 14", c.serverID, got)
		}
	}
}

func TestCounterRefreshDropsOldVersions(t *testing.T) {
	ctx := context.Background()
	pool := newCounterPool(t)
	c := NewCounter(pool, "srv-0", nil)
	for range 5 {
		if err := c.Add(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	refreshAll(t, c)

	var row widecol.Row
	err := pool.Do(ctx, func(h *widecol.Handle) error {
		var err error
		row, err = h.Table(CountersTable).Get(ctx, widecol.Get{Row: []byte("srv-0")})
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(row.Cells) != 1 {
		t.Errorf("expected a single counter cell after refresh, got %d", len(row.Cells))
	}
	if c.Total() != 5 {
		t.Errorf("total = %d, want 5", c.Total())
	}
}
