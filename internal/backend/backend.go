// Package backend defines the contract every index backend implements and a
// registry that selects one by name at startup.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/widecol"
)

// Indexer is one mailbox write transaction.
type Indexer interface {
	AddDocument(doc mailbox.Document) error
	DeleteDocument(ctx context.Context, items []uint32) error
	Close(ctx context.Context) error
}

// Searcher runs queries across every mailbox a principal can read.
type Searcher interface {
	Search(ctx context.Context, principal string, q query.Query, limit int) ([]global.Result, error)
}

type Backend interface {
	Name() string
	OpenIndexer(ctx context.Context, account uuid.UUID) (Indexer, error)
	OpenSearcher(ctx context.Context) (Searcher, error)
	DeleteIndex(ctx context.Context, account uuid.UUID) error
	Warmup(ctx context.Context, account uuid.UUID) error
	Evict(account uuid.UUID)
	Verify(ctx context.Context, account uuid.UUID) (mailbox.VerifyReport, error)
}

// Deps carries what a backend needs to start.
type Deps struct {
	Pool    *widecol.Pool
	ACL     global.ACLSource
	Index   config.IndexConfig
	Metrics *metrics.Metrics
	// OnChange is called when searchable content changes.
	OnChange func(ctx context.Context)
}

type Factory func(ctx context.Context, deps Deps) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under name. Registering a name twice
// panics.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("backend %q registered twice", name))
	}
	factories[name] = f
}

// New starts the backend registered as name.
func New(ctx context.Context, name string, deps Deps) (Backend, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown index backend %q (available: %v)", name, Names())
	}
	return f(ctx, deps)
}

// Names lists registered backends in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
