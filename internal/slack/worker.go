package slack

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/sqlpilot/sqlpilot/internal/observability"
)

// pool runs submitted jobs with at most size running at once.
type pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func newPool(size int) *pool {
	if size <= 0 {
		size = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(size))}
}

// submit returns immediately; job waits for a slot or for ctx to end.
// A job that never gets a slot is handed to drop instead.
func (p *pool) submit(ctx context.Context, job func(context.Context), drop func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			if drop != nil {
				drop(err)
			}
			return
		}
		defer p.sem.Release(1)
		observability.AddSlackJobsInFlight(1)
		defer observability.AddSlackJobsInFlight(-1)
		job(ctx)
	}()
}

func (p *pool) wait() {
	p.wg.Wait()
}
