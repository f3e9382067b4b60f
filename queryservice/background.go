package queryservice

import (
	"context"
	"sync"
	"time"

	"encore.app/observability"
)

// refreshTask describes one stale-while-revalidate refresh to run off the
// request path.
type refreshTask struct {
	key string
	run func(ctx context.Context) error
}

// refreshPool is a bounded worker pool for background cache refresh,
// grounded on warming/worker_pool.go's WorkerPool: a fixed goroutine count
// draining a buffered channel, so a burst of concurrent stale reads never
// spawns unbounded goroutines (spec.md §5's resource-model requirement).
type refreshPool struct {
	queue    chan refreshTask
	inFlight sync.Map // key -> struct{}, de-dupes redundant refresh triggers
	wg       sync.WaitGroup
	stop     chan struct{}
}

func newRefreshPool(workers, queueSize int) *refreshPool {
	p := &refreshPool{
		queue: make(chan refreshTask, queueSize),
		stop:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
	return p
}

// Trigger enqueues a refresh for key if one isn't already pending, and
// runs it with a bound on total duration. Drops the task silently if the
// queue is full rather than blocking the caller's request path.
func (p *refreshPool) Trigger(key string, bound time.Duration, run func(ctx context.Context) error) {
	if _, loaded := p.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return
	}

	select {
	case p.queue <- refreshTask{key: key, run: func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, bound)
		defer cancel()
		return run(ctx)
	}}:
	default:
		p.inFlight.Delete(key)
	}
}

func (p *refreshPool) runWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case task := <-p.queue:
			err := task.run(context.Background())
			p.inFlight.Delete(task.key)
			publishRefreshOutcome(task.key, err)
		}
	}
}

func (p *refreshPool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func publishRefreshOutcome(key string, err error) {
	event := &observability.RefreshCompletedEvent{
		Key:       key,
		Success:   err == nil,
		Timestamp: time.Now(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	_, _ = observability.RefreshCompletedTopic.Publish(context.Background(), event)
}
