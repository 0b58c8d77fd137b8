package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	goerrors "github.com/go-errors/errors"
)

// Handler processes a single task. Tasks run on their own goroutine.
type Handler[Task any] func(ctx context.Context, t *Task)

// Worker admits tasks for execution. At most MaxParallelTasks tasks run at the same time, excess
// tasks wait in submission order.
type Worker[Task any] struct {
	options *Options

	handle Handler[Task]

	queue *workQueue[Task]

	logger *slog.Logger

	active atomic.Int64

	startOnce      sync.Once
	dispatcherDone chan struct{}
}

func NewWorker[Task any](handle Handler[Task], logger *slog.Logger, options *Options) *Worker[Task] {
	if options == nil {
		options = &DefaultOptions
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Worker[Task]{
		options:        options,
		handle:         handle,
		queue:          newWorkQueue[Task](options.MaxParallelTasks),
		logger:         logger,
		dispatcherDone: make(chan struct{}),
	}
}

// Start starts dispatching submitted tasks. Canceling the context stops dispatching, queued tasks
// are not handled anymore.
func (w *Worker[Task]) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		go w.dispatcher(ctx)
	})
}

// Submit queues a task. It returns ErrClosed after WaitForCompletion was called.
func (w *Worker[Task]) Submit(t *Task) error {
	return w.queue.add(t)
}

// Queued returns the number of tasks waiting for a slot.
func (w *Worker[Task]) Queued() int {
	return w.queue.len()
}

// Active returns the number of tasks currently being handled.
func (w *Worker[Task]) Active() int {
	return int(w.active.Load())
}

// WaitForCompletion stops accepting tasks and waits until all queued and running tasks are done.
func (w *Worker[Task]) WaitForCompletion() error {
	w.Start(context.Background())

	w.queue.close()
	<-w.dispatcherDone

	return nil
}

func (w *Worker[Task]) dispatcher(ctx context.Context) {
	defer close(w.dispatcherDone)

	var wg sync.WaitGroup

	for {
		// If limited max tasks, wait for a slot to open up
		if err := w.queue.reserve(ctx); err != nil {
			break
		}

		t, ok := w.queue.next(ctx)
		if !ok {
			w.queue.release()
			break
		}

		w.active.Add(1)
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer w.queue.release()
			defer w.active.Add(-1)

			// Tasks own their lifetime, a canceled dispatcher does not abort running tasks
			if err := w.run(context.WithoutCancel(ctx), t); err != nil {
				w.logger.Error("task panicked", "error", err)
			}
		}()
	}

	wg.Wait()
}

func (w *Worker[Task]) run(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, goerrors.Wrap(r, 2).Stack())
		}
	}()

	w.handle(ctx, t)

	return nil
}
