package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestWorker_HandlesAllTasks(t *testing.T) {
	var mu sync.Mutex
	var handled []int

	w := NewWorker(func(ctx context.Context, task *testTask) {
		mu.Lock()
		defer mu.Unlock()

		handled = append(handled, task.ID)
	}, nil, &Options{MaxParallelTasks: 1})

	w.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Submit(&testTask{ID: i}))
	}

	require.NoError(t, w.WaitForCompletion())

	// A single slot preserves submission order
	require.Equal(t, []int{0, 1, 2, 3, 4}, handled)
	require.ErrorIs(t, w.Submit(&testTask{ID: 5}), ErrClosed)
}

func TestWorker_LimitsParallelism(t *testing.T) {
	const limit = 2

	var running, peak atomic.Int64
	unblock := make(chan struct{})

	w := NewWorker(func(ctx context.Context, task *testTask) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}

		<-unblock
		running.Add(-1)
	}, nil, &Options{MaxParallelTasks: limit})

	w.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Submit(&testTask{ID: i}))
	}

	require.Eventually(t, func() bool {
		return w.Active() == limit && w.Queued() == 3
	}, time.Second, time.Millisecond)

	close(unblock)
	require.NoError(t, w.WaitForCompletion())

	require.Equal(t, int64(limit), peak.Load())
	require.Equal(t, 0, w.Active())
}

func TestWorker_RecoversPanics(t *testing.T) {
	var handled atomic.Int64

	w := NewWorker(func(ctx context.Context, task *testTask) {
		if task.ID == 0 {
			panic("boom")
		}

		handled.Add(1)
	}, nil, nil)

	w.Start(context.Background())

	require.NoError(t, w.Submit(&testTask{ID: 0}))
	require.NoError(t, w.Submit(&testTask{ID: 1}))
	require.NoError(t, w.WaitForCompletion())

	require.Equal(t, int64(1), handled.Load())
}

func TestWorker_CanceledDispatcherDoesNotAbortRunningTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var taskCtxErr atomic.Value

	w := NewWorker(func(taskCtx context.Context, task *testTask) {
		close(started)
		time.Sleep(10 * time.Millisecond)
		taskCtxErr.Store(taskCtx.Err() == nil)
	}, nil, nil)

	w.Start(ctx)
	require.NoError(t, w.Submit(&testTask{ID: 1}))

	<-started
	cancel()

	require.NoError(t, w.WaitForCompletion())
	require.Equal(t, true, taskCtxErr.Load())
}
