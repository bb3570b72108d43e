package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/identity"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
	down bool
}

func newMemStore() *memStore {
	return &memStore{data: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return nil
}

func (m *memStore) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	n++
	m.data[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (m *memStore) GetInt64(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return 0, errors.New("connection refused")
	}
	n, _ := strconv.ParseInt(m.data[key], 10, 64)
	return n, nil
}

func (m *memStore) FlushByPattern(context.Context, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.data))
	m.data = map[string]string{}
	return n, nil
}

func TestGetOrComputeCachesPerGeneration(t *testing.T) {
	ctx := context.Background()
	c := New(newMemStore(), time.Minute, nil)
	q := query.Term{Field: "content", Text: "cat"}
	want := []global.Result{{ID: identity.NewGlobalItemID(uuid.New(), 3), Score: 2}}
	calls := 0
	compute := func() ([]global.Result, error) {
		calls++
		return want, nil
	}

	if _, hit, err := c.GetOrCompute(ctx, "alice", q, 10, compute); err != nil || hit {
		t.Fatalf("first lookup: hit=%v err=%v", hit, err)
	}
	got, hit, err := c.GetOrCompute(ctx, "alice", q, 10, compute)
	if err != nil || !hit || calls != 1 {
		t.Fatalf("second lookup should hit: hit=%v calls=%d err=%v", hit, calls, err)
	}
	if len(got) != 1 || got[0].ID != want[0].ID || got[0].Score != 2 {
		t.Errorf("cached results differ: %+v", got)
	}

	if _, hit, _ := c.GetOrCompute(ctx, "bob", q, 10, compute); hit {
		t.Error("results must not be shared across principals")
	}
	if err := c.Invalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, hit, _ := c.GetOrCompute(ctx, "alice", q, 10, compute); hit {
		t.Error("invalidation did not retire cached results")
	}
	if h, m := c.Stats(); h != 1 || m != 3 {
		t.Errorf("stats hits=%d misses=%d", h, m)
	}
}

func TestGetOrComputeBypassesUnavailableStore(t *testing.T) {
	store := newMemStore()
	store.down = true
	c := New(store, time.Minute, nil)
	calls := 0
	for i := 0; i < 2; i++ {
		_, hit, err := c.GetOrCompute(context.Background(), "alice", query.Term{Field: "content", Text: "cat"}, 10,
			func() ([]global.Result, error) {
				calls++
				return nil, nil
			})
		if err != nil || hit {
			t.Fatalf("bypass: hit=%v err=%v", hit, err)
		}
	}
	if calls != 2 {
		t.Errorf("expected every lookup to compute, got %d", calls)
	}
}

func TestBuildKeyIgnoresClauseOrder(t *testing.T) {
	a := query.And{Clauses: []query.Term{{Field: "content", Text: "cat"}, {Field: "content", Text: "dog"}}}
	b := query.And{Clauses: []query.Term{{Field: "content", Text: "dog"}, {Field: "content", Text: "cat"}, {Field: "content", Text: "dog"}}}
	if buildKey("p", a, 10, 1) != buildKey("p", b, 10, 1) {
		t.Error("equivalent conjunctions produced different keys")
	}
	if buildKey("p", a, 10, 1) == buildKey("p", a, 10, 2) {
		t.Error("generation not part of the key")
	}
}
