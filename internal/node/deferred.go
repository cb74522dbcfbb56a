package node

import (
	"context"
	"sync"
)

// Deferred is a child value that is not available yet. The renderer awaits
// it and renders whatever it resolves to.
type Deferred interface {
	Await(ctx context.Context) (Child, error)
}

// Future is a Deferred backed by a function. Its result is computed at most
// once and shared by every caller of Await.
type Future struct {
	fn    func(ctx context.Context) (Child, error)
	start sync.Once
	done  chan struct{}
	val   Child
	err   error
}

// Go starts fn on its own goroutine right away and returns a handle to its
// result.
func Go(ctx context.Context, fn func(ctx context.Context) (Child, error)) *Future {
	f := &Future{fn: fn, done: make(chan struct{})}
	f.start.Do(func() { go f.run(ctx) })
	return f
}

// Lazy returns a Future that runs fn the first time it is awaited, with the
// context of that first Await.
func Lazy(fn func(ctx context.Context) (Child, error)) *Future {
	return &Future{fn: fn, done: make(chan struct{})}
}

// Resolved returns an already settled Future holding v.
func Resolved(v Child) *Future {
	f := &Future{val: v, done: make(chan struct{})}
	f.start.Do(func() { close(f.done) })
	return f
}

// Failed returns an already settled Future holding err.
func Failed(err error) *Future {
	f := &Future{err: err, done: make(chan struct{})}
	f.start.Do(func() { close(f.done) })
	return f
}

// Await blocks until the Future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (Child, error) {
	f.start.Do(func() { go f.run(ctx) })

	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) run(ctx context.Context) {
	defer close(f.done)
	f.val, f.err = f.fn(ctx)
}
