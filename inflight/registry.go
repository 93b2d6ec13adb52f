package inflight

import (
	"context"
	"fmt"
	"sync"

	autherrors "github.com/jrsteele09/jobboard-client/internal/errors"
)

// ErrSuperseded is the cancellation cause given to a call replaced by a newer
// call for the same key.
var ErrSuperseded = autherrors.ErrSuperseded

// Outcome describes what Do did with a request.
type Outcome int

const (
	// Started means a new call was issued.
	Started Outcome = iota
	// Joined means an identical call was already running and its future was shared.
	Joined
	// Superseded means an earlier call for the key was cancelled and a new one issued.
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Started:
		return "started"
	case Joined:
		return "joined"
	case Superseded:
		return "superseded"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Future is the shared result of one in-flight call.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the call has settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the call settles or ctx is done. Giving up on ctx does not
// cancel the call; other waiters still receive its result.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

type entry[T any] struct {
	future *Future[T]
	cancel context.CancelCauseFunc
}

// Registry tracks outstanding calls by Key. Coalescable calls for a key share
// a single execution; other calls cancel their predecessor (last writer wins).
// The zero value is not usable; create one with New.
type Registry[T any] struct {
	mu      sync.Mutex
	entries map[Key]*entry[T]
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		entries: make(map[Key]*entry[T]),
	}
}

// Do runs fn for key unless a coalescable call for key is already in flight,
// in which case that call's future is returned and fn is not invoked.
//
// Coalesced calls run on a context detached from ctx's cancellation, since they
// may outlive the caller that started them. Non-coalesced calls have a single
// waiter and keep ctx's cancellation.
func (r *Registry[T]) Do(ctx context.Context, key Key, coalesce bool, fn func(context.Context) (T, error)) (*Future[T], Outcome) {
	r.mu.Lock()
	outcome := Started
	if prev, ok := r.entries[key]; ok {
		if coalesce {
			r.mu.Unlock()
			return prev.future, Joined
		}
		prev.cancel(ErrSuperseded)
		outcome = Superseded
	}

	parent := ctx
	if coalesce {
		parent = context.WithoutCancel(ctx)
	}
	callCtx, cancel := context.WithCancelCause(parent)
	e := &entry[T]{
		future: &Future[T]{done: make(chan struct{})},
		cancel: cancel,
	}
	r.entries[key] = e
	r.mu.Unlock()

	go r.run(callCtx, key, e, fn)
	return e.future, outcome
}

func (r *Registry[T]) run(ctx context.Context, key Key, e *entry[T], fn func(context.Context) (T, error)) {
	var (
		val T
		err error
	)
	defer func() {
		if p := recover(); p != nil {
			var zero T
			val, err = zero, fmt.Errorf("[inflight] call %s panicked: %v", key, p)
		}
		// A cancelled call's late result is discarded.
		if cause := context.Cause(ctx); cause != nil {
			var zero T
			val, err = zero, cause
		}
		e.cancel(nil)

		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()

		e.future.val, e.future.err = val, err
		close(e.future.done)
	}()

	val, err = fn(ctx)
}

// Cancel cancels the in-flight call for key with cause. It reports false when
// there is nothing in flight; cancelling a settled call is a no-op.
func (r *Registry[T]) Cancel(key Key, cause error) bool {
	r.mu.Lock()
	e, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel(cause)
	return true
}

// CancelAll cancels every in-flight call with cause.
func (r *Registry[T]) CancelAll(cause error) int {
	r.mu.Lock()
	pending := make([]*entry[T], 0, len(r.entries))
	for _, e := range r.entries {
		pending = append(pending, e)
	}
	r.mu.Unlock()

	for _, e := range pending {
		e.cancel(cause)
	}
	return len(pending)
}

// Len returns the number of calls in flight.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
