package ciecache

import (
	"context"
	"sync"

	"github.com/owlthread/cie/ciecore"
	"golang.org/x/sync/singleflight"
)

// Coalescer collapses concurrent calls sharing a fingerprint into a single
// underlying computation (spec.md §4.5), built directly on
// golang.org/x/sync/singleflight.Group — the same library the distributed
// cache example in the retrieval pack uses for origin-fetch deduplication.
//
// singleflight.Group already guarantees every caller sharing a key
// observes the same result with exactly one execution of the winning
// caller's function. What it doesn't give us is per-waiter cancellation
// (spec.md §5: a cancelling caller should only observe Cancelled itself;
// the shared computation keeps running for any waiter still attached, and
// is only cancelled once every waiter has left). Coalescer layers that on
// top with a refcounted context shared by every waiter on a fingerprint.
type Coalescer[V any] struct {
	group singleflight.Group

	mu      sync.Mutex
	flights map[ciecore.Fingerprint]*flight
}

type flight struct {
	waiters int
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCoalescer creates an empty Coalescer.
func NewCoalescer[V any]() *Coalescer[V] {
	return &Coalescer[V]{flights: make(map[ciecore.Fingerprint]*flight)}
}

// Join runs fn for the given fingerprint, or attaches to an already-running
// computation for the same fingerprint. joined reports whether this call
// attached to someone else's flight rather than starting the first one for
// this fingerprint (used by the Engine to count cie.infer.coalesced_joins).
//
// fn is always invoked with the flight's shared context, which is derived
// from context.Background() — not from any individual waiter's ctx — and is
// cancelled only once every waiter currently attached to this fingerprint
// has left (by completion or by its own ctx being cancelled). A single
// waiter cancelling its own ctx returns immediately with ctx.Err() and never
// cancels the computation for the waiters still attached.
func (c *Coalescer[V]) Join(ctx context.Context, fp ciecore.Fingerprint, fn func(context.Context) (V, error)) (value V, err error, joined bool) {
	c.mu.Lock()
	fl, exists := c.flights[fp]
	if !exists {
		flightCtx, cancel := context.WithCancel(context.Background())
		fl = &flight{ctx: flightCtx, cancel: cancel}
		c.flights[fp] = fl
	}
	fl.waiters++
	c.mu.Unlock()

	type outcome struct {
		val V
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		raw, err, _ := c.group.Do(string(fp), func() (interface{}, error) {
			return fn(fl.ctx)
		})
		v, _ := raw.(V)
		done <- outcome{val: v, err: err}
	}()

	select {
	case o := <-done:
		c.leave(fp, fl)
		return o.val, o.err, exists
	case <-ctx.Done():
		c.leave(fp, fl)
		var zero V
		return zero, ctx.Err(), exists
	}
}

// leave decrements the waiter count for fp and cancels the shared flight
// context only once every waiter has left.
func (c *Coalescer[V]) leave(fp ciecore.Fingerprint, fl *flight) {
	c.mu.Lock()
	fl.waiters--
	remaining := fl.waiters
	if remaining <= 0 {
		delete(c.flights, fp)
	}
	c.mu.Unlock()

	if remaining <= 0 {
		fl.cancel()
	}
}

// InFlight returns the number of fingerprints currently being computed.
func (c *Coalescer[V]) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.flights)
}
