// Package scheduler provides the bounded worker pool used for capture and
// upload fan-out. Workers can own a lazily created resource (a browser in
// the capture path) that stays pinned to that worker for the whole run and
// is torn down with the pool.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Resource is a per-worker helper that must be released when the run ends.
type Resource interface {
	Close() error
}

// Factory creates a worker's resource on first use.
type Factory func(ctx context.Context) (Resource, error)

// Task is one independent unit of work. Tasks carry no ordering dependency
// and may complete in any order.
type Task func(ctx context.Context, w *Worker)

// Worker is the execution context handed to each task. It is only ever
// used by the goroutine it belongs to.
type Worker struct {
	pool     *Pool
	resource Resource
}

// Resource returns this worker's resource, creating it on first call and
// reusing it for every later task on the same worker.
func (w *Worker) Resource(ctx context.Context) (Resource, error) {
	if w.resource != nil {
		return w.resource, nil
	}
	if w.pool.factory == nil {
		return nil, errors.New("scheduler: pool has no resource factory")
	}

	res, err := w.pool.factory(ctx)
	if err != nil {
		return nil, err
	}

	w.resource = res
	w.pool.track(res)
	return res, nil
}

// Pool is a fixed-width worker pool. A nil factory yields plain workers.
type Pool struct {
	logger  *zap.Logger
	size    int
	factory Factory

	mu        sync.Mutex
	resources []Resource
}

func New(logger *zap.Logger, size int, factory Factory) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger:  logger,
		size:    size,
		factory: factory,
	}
}

// Run dispatches every task across the pool and blocks until all of them
// finish. Every resource created during the run is closed before Run
// returns, on all exit paths; a panicking task is logged and does not take
// its worker or its siblings down.
func (p *Pool) Run(ctx context.Context, tasks []Task) {
	defer p.closeAll()

	ch := make(chan Task)
	var wg sync.WaitGroup

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &Worker{pool: p}
			for task := range ch {
				p.runTask(ctx, w, task)
			}
		}()
	}

	for _, task := range tasks {
		ch <- task
	}
	close(ch)

	wg.Wait()
}

func (p *Pool) runTask(ctx context.Context, w *Worker, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()

	task(ctx, w)
}

func (p *Pool) track(res Resource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources = append(p.resources, res)
}

func (p *Pool) closeAll() {
	p.mu.Lock()
	resources := p.resources
	p.resources = nil
	p.mu.Unlock()

	for _, res := range resources {
		if err := res.Close(); err != nil {
			p.logger.Error("failed to close worker resource", zap.Error(err))
		}
	}
}
