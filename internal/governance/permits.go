// Package governance provides the relay's resource-governance primitives.
package governance

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultPermitCapacity is used when no concurrency limit is configured.
const DefaultPermitCapacity = 25

// PermitPool is a process-wide counting permit pool bounding the number of
// simultaneous outbound calls across all instances and all in-flight
// requests. Acquire blocks until a permit is free; Release must always be
// called, including on error paths, so permits never leak.
type PermitPool struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

// NewPermitPool creates a permit pool with the given capacity.
func NewPermitPool(capacity int) *PermitPool {
	if capacity <= 0 {
		capacity = DefaultPermitCapacity
	}
	return &PermitPool{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a permit is available or ctx is done.
func (p *PermitPool) Acquire(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inUse.Add(1)
	return nil
}

// Release returns a permit to the pool.
func (p *PermitPool) Release() {
	p.inUse.Add(-1)
	p.sem.Release(1)
}

// PermitStats exposes the current state of the pool.
type PermitStats struct {
	Capacity int64 `json:"capacity"`
	InUse    int64 `json:"inUse"`
}

// Stats returns current permit usage.
func (p *PermitPool) Stats() PermitStats {
	return PermitStats{
		Capacity: p.capacity,
		InUse:    p.inUse.Load(),
	}
}
