package worker

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("work queue closed")

// workQueue is an unbounded FIFO of pending tasks plus an optional set of execution slots.
type workQueue[Task any] struct {
	mu      sync.Mutex
	pending []*Task
	closed  bool

	// notify is signaled when a task was added or the queue was closed
	notify chan struct{}

	slots chan struct{}
}

func newWorkQueue[Task any](maxParallelTasks int) *workQueue[Task] {
	var slots chan struct{}
	if maxParallelTasks > 0 {
		slots = make(chan struct{}, maxParallelTasks)
	}

	return &workQueue[Task]{
		notify: make(chan struct{}, 1),
		slots:  slots,
	}
}

func (w *workQueue[Task]) reserve(ctx context.Context) error {
	if w.slots == nil {
		return nil // No limit on parallel tasks, no reservation needed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case w.slots <- struct{}{}:
		return nil
	}
}

func (w *workQueue[Task]) release() {
	if w.slots == nil {
		return
	}

	<-w.slots
}

func (w *workQueue[Task]) add(task *Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.pending = append(w.pending, task)
	w.signal()

	return nil
}

// next blocks until a task is available. It returns false once the queue is closed and drained,
// or the context is done.
func (w *workQueue[Task]) next(ctx context.Context) (*Task, bool) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			t := w.pending[0]
			w.pending[0] = nil
			w.pending = w.pending[1:]
			w.mu.Unlock()

			return t, true
		}

		closed := w.closed
		w.mu.Unlock()

		if closed {
			return nil, false
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-w.notify:
		}
	}
}

func (w *workQueue[Task]) close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	w.signal()
}

func (w *workQueue[Task]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.pending)
}

func (w *workQueue[Task]) signal() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
