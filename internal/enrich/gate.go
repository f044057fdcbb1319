package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds provider calls across every Pool in the process: at most
// concurrency calls in flight and rpm call starts per minute.
type Gate struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	size    int64
}

// NewGate creates a Gate. Non-positive values fall back to 5 slots and 60 rpm.
func NewGate(concurrency, rpm int) *Gate {
	if concurrency <= 0 {
		concurrency = 5
	}
	if rpm <= 0 {
		rpm = 60
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		size:    int64(concurrency),
	}
}

// Acquire blocks until a slot is free and the rate budget allows a call. The
// returned release must be called once the call completes.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrap(err, "enrich: acquire slot")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.sem.Release(1)
		return nil, eris.Wrap(err, "enrich: rate wait")
	}
	return func() { g.sem.Release(1) }, nil
}

// Size is the number of concurrent slots.
func (g *Gate) Size() int {
	return int(g.size)
}
