package widecol

import (
	"context"
	"fmt"
)

// Handle is a pooled client of a Store. A handle must be released after the
// operation that acquired it.
type Handle struct {
	store *Store
}

// Table returns the named table through this handle.
func (h *Handle) Table(name string) Table {
	return h.store.Table(name)
}

// Pool bounds the number of concurrent store clients.
type Pool struct {
	store   *Store
	handles chan *Handle
}

// NewPool creates a pool of size handles over store.
func NewPool(store *Store, size int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		store:   store,
		handles: make(chan *Handle, size),
	}
	for i := 0; i < size; i++ {
		p.handles <- &Handle{store: store}
	}
	return p
}

// Acquire blocks until a handle is free or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	select {
	case h := <-p.handles:
		return h, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring store handle: %w", ctx.Err())
	}
}

// Release returns h to the pool.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.handles <- h
}

// Do runs fn with a pooled handle, releasing it however fn returns.
func (p *Pool) Do(ctx context.Context, fn func(h *Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Available returns the number of idle handles.
func (p *Pool) Available() int {
	return len(p.handles)
}

// Store returns the store behind the pool.
func (p *Pool) Store() *Store {
	return p.store
}
