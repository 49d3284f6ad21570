package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

type fakeResource struct {
	id     int
	closed *atomic.Int32
}

func (r *fakeResource) Close() error {
	r.closed.Add(1)
	return nil
}

func TestRunCompletesAllTasks(t *testing.T) {
	pool := New(zap.NewNop(), 3, nil)

	var done atomic.Int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = func(ctx context.Context, w *Worker) {
			done.Add(1)
		}
	}

	pool.Run(context.Background(), tasks)

	if got := done.Load(); got != 20 {
		t.Fatalf("expected 20 tasks completed before Run returned, got %d", got)
	}
}

func TestWorkerResourceAffinity(t *testing.T) {
	var closed atomic.Int32
	var next atomic.Int32
	pool := New(zap.NewNop(), 2, func(ctx context.Context) (Resource, error) {
		return &fakeResource{id: int(next.Add(1)), closed: &closed}, nil
	})

	var mu sync.Mutex
	perWorker := map[*Worker][]int{}

	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = func(ctx context.Context, w *Worker) {
			res, err := w.Resource(ctx)
			if err != nil {
				t.Errorf("Resource() error: %v", err)
				return
			}
			mu.Lock()
			perWorker[w] = append(perWorker[w], res.(*fakeResource).id)
			mu.Unlock()
		}
	}

	pool.Run(context.Background(), tasks)

	if len(perWorker) == 0 || len(perWorker) > 2 {
		t.Fatalf("expected at most 2 workers, got %d", len(perWorker))
	}
	for w, ids := range perWorker {
		for _, id := range ids {
			if id != ids[0] {
				t.Fatalf("worker %p switched resource: %v", w, ids)
			}
		}
	}

	if int(closed.Load()) != int(next.Load()) {
		t.Fatalf("expected all %d resources closed, got %d", next.Load(), closed.Load())
	}
}

func TestPanicDoesNotAbortSiblings(t *testing.T) {
	var closed atomic.Int32
	pool := New(zap.NewNop(), 1, func(ctx context.Context) (Resource, error) {
		return &fakeResource{closed: &closed}, nil
	})

	var done atomic.Int32
	tasks := []Task{
		func(ctx context.Context, w *Worker) {
			if _, err := w.Resource(ctx); err != nil {
				t.Errorf("Resource() error: %v", err)
			}
			panic("boom")
		},
		func(ctx context.Context, w *Worker) { done.Add(1) },
		func(ctx context.Context, w *Worker) { done.Add(1) },
	}

	pool.Run(context.Background(), tasks)

	if done.Load() != 2 {
		t.Fatalf("expected siblings to run after a panic, got %d", done.Load())
	}
	if closed.Load() != 1 {
		t.Fatalf("expected the resource closed despite the panic, got %d closes", closed.Load())
	}
}

func TestResourceWithoutFactoryFails(t *testing.T) {
	pool := New(zap.NewNop(), 1, nil)

	var resourceErr error
	pool.Run(context.Background(), []Task{
		func(ctx context.Context, w *Worker) {
			_, resourceErr = w.Resource(ctx)
		},
	})

	if resourceErr == nil {
		t.Fatal("expected an error requesting a resource from a plain pool")
	}
}
