package collector

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate serialises ingestion work. The poll cycle and the backfiller share
// one Gate so their writes never interleave.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns an open gate.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the gate if it is free.
func (g *Gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

// Acquire waits for the gate or for ctx to end.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees the gate.
func (g *Gate) Release() {
	g.sem.Release(1)
}
