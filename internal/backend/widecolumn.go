package backend

import (
	"context"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/global"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/internal/mailbox"
	"github.com/Adithya-Monish-Kumar-K/Distributed-Mailbox-Index/pkg/resilience"
)

const WideColumn = "widecolumn"

func init() {
	Register(WideColumn, newWideColumn)
}

// WideColumnBackend keeps mailbox indexes and the global index in the
// wide-column store.
type WideColumnBackend struct {
	mailbox *mailbox.Store
	global  *global.Index
}

func newWideColumn(ctx context.Context, deps Deps) (Backend, error) {
	g := global.New(deps.Pool, global.Options{
		ServerID: deps.Index.ServerID,
		ACL:      deps.ACL,
		Metrics:  deps.Metrics,
		OnChange: deps.OnChange,
	})
	if err := g.Start(ctx); err != nil {
		return nil, err
	}
	var promotable []mailbox.ItemType
	for _, t := range deps.Index.Promotable {
		promotable = append(promotable, mailbox.ItemType(t))
	}
	store := mailbox.NewStore(deps.Pool, mailbox.Options{
		Promotable: promotable,
		Propagator: g,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: deps.Index.BreakerThreshold,
			ResetTimeout:     deps.Index.BreakerResetTimeout,
		},
		Metrics: deps.Metrics,
	})
	return &WideColumnBackend{mailbox: store, global: g}, nil
}

func (b *WideColumnBackend) Name() string {
	return WideColumn
}

// Mailbox exposes the mailbox index store.
func (b *WideColumnBackend) Mailbox() *mailbox.Store {
	return b.mailbox
}

// Global exposes the global index.
func (b *WideColumnBackend) Global() *global.Index {
	return b.global
}

func (b *WideColumnBackend) OpenIndexer(ctx context.Context, account uuid.UUID) (Indexer, error) {
	ix, err := b.mailbox.OpenIndexer(ctx, account)
	if err != nil {
		return nil, err
	}
	return ix, nil
}

func (b *WideColumnBackend) OpenSearcher(context.Context) (Searcher, error) {
	return b.global, nil
}

func (b *WideColumnBackend) DeleteIndex(ctx context.Context, account uuid.UUID) error {
	return b.mailbox.DeleteIndex(ctx, account)
}

func (b *WideColumnBackend) Warmup(ctx context.Context, account uuid.UUID) error {
	return b.mailbox.Warmup(ctx, account)
}

func (b *WideColumnBackend) Evict(account uuid.UUID) {
	b.mailbox.Evict(account)
}

func (b *WideColumnBackend) Verify(ctx context.Context, account uuid.UUID) (mailbox.VerifyReport, error) {
	r, err := b.mailbox.OpenReader(ctx, account)
	if err != nil {
		return mailbox.VerifyReport{}, err
	}
	return r.Verify(ctx)
}
