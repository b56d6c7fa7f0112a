package transport

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ReservationPool bounds the number of concurrent outbound connection
// attempts a peer may have in flight, modeled as a weighted semaphore
// rather than a hand-rolled counting channel.
type ReservationPool struct {
	sem *semaphore.Weighted
}

// NewReservationPool returns a pool allowing up to size concurrent
// outbound reservations.
func NewReservationPool(size int64) *ReservationPool {
	return &ReservationPool{sem: semaphore.NewWeighted(size)}
}

// Acquire blocks until a slot is free or ctx is cancelled.
func (p *ReservationPool) Acquire(ctx context.Context) error {
	return p.sem.Acquire(ctx, 1)
}

// Release returns a previously acquired slot to the pool.
func (p *ReservationPool) Release() {
	p.sem.Release(1)
}

// Drain acquires every slot in the pool, blocking until all outstanding
// reservations have released theirs. Used during master shutdown to
// confirm no outbound attempt is still in flight before closing the
// channel server.
func (p *ReservationPool) Drain(ctx context.Context, size int64) error {
	return p.sem.Acquire(ctx, size)
}
