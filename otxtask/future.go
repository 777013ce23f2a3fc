package otxtask

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Promise is the write side of a single-use completion: resolved or rejected
// exactly once, by whoever owns the work.
type Promise[T any] struct {
	future *Future[T]
	once   sync.Once
}

// Future is the read side: any number of readers may await the completion.
type Future[T any] struct {
	done   chan struct{}
	result fn.Result[T]
}

// NewPromise creates an unresolved promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{
		future: &Future[T]{
			done: make(chan struct{}),
		},
	}
}

// Future returns the read side of the promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.future
}

// Resolve completes the promise with a value. Later calls to Resolve or
// Reject are no-ops.
func (p *Promise[T]) Resolve(value T) {
	p.once.Do(func() {
		p.future.result = fn.Ok(value)
		close(p.future.done)
	})
}

// Reject completes the promise with an error. Later calls to Resolve or
// Reject are no-ops.
func (p *Promise[T]) Reject(err error) {
	p.once.Do(func() {
		p.future.result = fn.Err[T](err)
		close(p.future.done)
	})
}

// Await blocks until the promise completes or the context ends, whichever
// comes first.
func (f *Future[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-f.done:
		return f.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// Done returns a channel closed once the promise completes, for callers
// multiplexing over several futures.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}
