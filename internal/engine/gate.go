package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/siteharvest/harvester/internal/telemetry"
)

// Gate bounds how many extractions run simultaneously and enforces a
// minimum spacing between dispatches. One Gate serves one job execution
// unless the caller explicitly shares an instance across jobs.
type Gate struct {
	slots    chan struct{}
	pacer    *rate.Limiter
	inFlight atomic.Int64
}

// NewGate builds a Gate admitting at most maxConcurrency units at once,
// with at least minInterval between admissions. maxConcurrency values
// below 1 are clamped to 1; a non-positive interval disables pacing.
func NewGate(maxConcurrency int, minInterval time.Duration) *Gate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Gate{
		slots: make(chan struct{}, maxConcurrency),
		pacer: rate.NewLimiter(limit, 1),
	}
}

// Acquire blocks until a slot is free and the pacing interval has elapsed,
// or the context finishes. On success the caller must Release exactly once.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("gate slot wait: %w", ctx.Err())
	}
	if err := g.pacer.Wait(ctx); err != nil {
		<-g.slots
		return fmt.Errorf("gate pacing wait: %w", err)
	}
	g.inFlight.Add(1)
	telemetry.IncInFlight()
	telemetry.ObserveDispatchDelay(time.Since(start))
	return nil
}

// Release frees the slot taken by a successful Acquire. It must be called
// on every exit path, success or failure. A Release without a held slot is
// a no-op, so the admitted count never goes negative.
func (g *Gate) Release() {
	select {
	case <-g.slots:
		g.inFlight.Add(-1)
		telemetry.DecInFlight()
	default:
	}
}

// InFlight returns the number of currently admitted units.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Capacity returns the maximum number of simultaneously admitted units.
func (g *Gate) Capacity() int {
	return cap(g.slots)
}
