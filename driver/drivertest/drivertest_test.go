package drivertest

import (
	"context"
	"testing"

	"github.com/cschleiden/go-automations/driver"
	"github.com/stretchr/testify/require"
)

func Test_Driver_ScriptedResults(t *testing.T) {
	d := New("chat").Respond("post", driver.Failure("rate limited"), driver.Success(map[string]any{"ts": "1"}))

	r, err := d.Invoke(context.Background(), "post", map[string]any{"text": "a"})
	require.NoError(t, err)
	require.Equal(t, driver.StatusFailure, r.Status)

	for i := 0; i < 2; i++ {
		r, err = d.Invoke(context.Background(), "post", nil)
		require.NoError(t, err)
		require.Equal(t, "1", r.Output["ts"])
	}

	require.Len(t, d.Calls("post"), 3)
	require.Equal(t, "a", d.Calls()[0].Params["text"])
}

func Test_Driver_UnknownAction(t *testing.T) {
	_, err := New("chat").Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
}

func Test_Driver_Emit(t *testing.T) {
	d := New("chat")
	require.ErrorIs(t, d.Emit(context.Background(), "message", nil), ErrNotStarted)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan map[string]any, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Start(ctx, driver.EmitterFunc(func(_ context.Context, raw map[string]any) error {
			got <- raw
			return nil
		}))
	}()

	<-d.Started()
	require.NoError(t, d.Emit(ctx, "message", map[string]any{"text": "hi"}))
	raw := <-got
	require.Equal(t, "chat", raw["source"])
	require.Equal(t, "message", raw["type"])

	cancel()
	<-done
}
