package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Enqueue after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool runs SyncPath for queued paths on a fixed number of goroutines. A
// path already waiting in the queue is not queued twice.
type Pool struct {
	worker *Worker
	queue  chan string

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewPool starts n goroutines draining the queue until ctx is cancelled or
// Close is called. n < 1 is treated as 1.
func NewPool(ctx context.Context, w *Worker, n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		worker:  w,
		queue:   make(chan string, 256),
		pending: make(map[string]struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.run(ctx)
	}
	return p
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-p.queue:
			if !ok {
				return
			}
			p.mu.Lock()
			delete(p.pending, path)
			p.mu.Unlock()

			if _, err := p.worker.SyncPath(ctx, path); err != nil {
				p.worker.logger.Printf("Error syncing %s: %v", path, err)
			}
		}
	}
}

// Enqueue schedules path for syncing. It blocks while the queue is full.
func (p *Pool) Enqueue(ctx context.Context, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if _, ok := p.pending[path]; ok {
		return nil
	}

	// Workers receive before taking mu, so sending under it can't deadlock
	select {
	case p.queue <- path:
		p.pending[path] = struct{}{}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued paths not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close stops accepting paths, lets the goroutines drain the queue, and
// waits for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
}
