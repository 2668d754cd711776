package restore

import (
	"context"
	"sync"
)

// pool is a bounded-width worker pool, mirroring the shape used by the
// backup package's bulk-get pool: at most width submissions run
// concurrently and the first error cancels the shared context.
type pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	firstErr error
}

func newPool(parent context.Context, width int) *pool {
	if width <= 0 {
		width = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &pool{
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, width),
	}
}

func (p *pool) submit(fn func(ctx context.Context) error) {
	select {
	case p.sem <- struct{}{}:
	case <-p.ctx.Done():
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.sem }()

		if p.ctx.Err() != nil {
			return
		}
		if err := fn(p.ctx); err != nil {
			p.recordErr(err)
		}
	}()
}

func (p *pool) recordErr(err error) {
	p.mu.Lock()
	if p.firstErr == nil {
		p.firstErr = err
		p.cancel()
	}
	p.mu.Unlock()
}

func (p *pool) wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.firstErr
}
