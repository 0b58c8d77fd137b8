package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/driver/drivertest"
	"github.com/cschleiden/go-automations/internal/metrics"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newInvoker(t *testing.T, d driver.Driver, opts ...driver.InvokerOption) *driver.Invoker {
	r := driver.NewRegistry()
	require.NoError(t, r.Register(d))

	return driver.NewInvoker(r, metrics.NewNoopMetricsClient(), opts...)
}

func Test_Invoker_Invoke(t *testing.T) {
	tests := []struct {
		name    string
		handler drivertest.Handler
		want    *driver.Result
	}{
		{
			name: "success",
			handler: func(_ context.Context, params map[string]any) (*driver.Result, error) {
				return driver.Success(map[string]any{"echo": params["text"]}), nil
			},
			want: &driver.Result{Status: driver.StatusSuccess, Output: map[string]any{"echo": "hi"}},
		},
		{
			name: "nil result is success",
			handler: func(context.Context, map[string]any) (*driver.Result, error) {
				return nil, nil
			},
			want: &driver.Result{Status: driver.StatusSuccess, Output: map[string]any{}},
		},
		{
			name: "error becomes failure",
			handler: func(context.Context, map[string]any) (*driver.Result, error) {
				return nil, errors.New("boom")
			},
			want: &driver.Result{Status: driver.StatusFailure, Error: "boom"},
		},
		{
			name: "failure without message",
			handler: func(context.Context, map[string]any) (*driver.Result, error) {
				return &driver.Result{Status: driver.StatusFailure}, nil
			},
			want: &driver.Result{Status: driver.StatusFailure, Error: "action failure"},
		},
		{
			name: "unknown status",
			handler: func(context.Context, map[string]any) (*driver.Result, error) {
				return &driver.Result{Status: "maybe"}, nil
			},
			want: &driver.Result{Status: driver.StatusFailure, Error: `driver returned unknown status "maybe"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			d := drivertest.New("chat").On("post", tt.handler)
			i := newInvoker(t, d)

			r := i.Invoke(context.Background(), "chat", "post", map[string]any{"text": "hi"}, time.Second)
			require.Equal(t, tt.want, r)
		})
	}
}

func Test_Invoker_UnknownDriver(t *testing.T) {
	i := driver.NewInvoker(driver.NewRegistry(), metrics.NewNoopMetricsClient())

	r := i.Invoke(context.Background(), "pager", "page", nil, 0)
	require.Equal(t, driver.StatusFailure, r.Status)
	require.Contains(t, r.Error, "driver not found")
}

func Test_Invoker_RecoversPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("chat").On("post", func(context.Context, map[string]any) (*driver.Result, error) {
		panic("nil map")
	})
	i := newInvoker(t, d)

	r := i.Invoke(context.Background(), "chat", "post", nil, time.Second)
	require.Equal(t, driver.StatusFailure, r.Status)
	require.Equal(t, "driver panicked: nil map", r.Error)
}

func Test_Invoker_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := clock.NewMock()
	entered := make(chan struct{})
	d := drivertest.New("chat").On("post", func(ctx context.Context, _ map[string]any) (*driver.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	i := newInvoker(t, d, driver.WithClock(c))

	result := make(chan *driver.Result, 1)
	go func() {
		result <- i.Invoke(context.Background(), "chat", "post", nil, 5*time.Second)
	}()

	<-entered
	c.Add(5 * time.Second)

	r := <-result
	require.Equal(t, driver.StatusTimeout, r.Status)
}

func Test_Invoker_CallerCanceled(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	d := drivertest.New("chat").On("post", func(ctx context.Context, _ map[string]any) (*driver.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	i := newInvoker(t, d)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan *driver.Result, 1)
	go func() {
		result <- i.Invoke(ctx, "chat", "post", nil, time.Minute)
	}()

	<-entered
	cancel()

	r := <-result
	require.Equal(t, driver.StatusFailure, r.Status)
	require.Equal(t, context.Canceled.Error(), r.Error)
}

func Test_Registry_RejectsDuplicates(t *testing.T) {
	r := driver.NewRegistry()
	require.NoError(t, r.Register(drivertest.New("chat")))
	require.Error(t, r.Register(drivertest.New("chat")))

	_, err := r.Get("pager")
	require.ErrorIs(t, err, driver.ErrDriverNotFound)

	require.Len(t, r.Sources(), 1)
}
