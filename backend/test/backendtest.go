package test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// BackendTest runs the conformance suite against a backend. setup is called once per test and
// has to return an empty backend.
func BackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	approvalKey := core.NewCorrelationKey("chat", "payload.message_id")
	incidentKey := core.NewCorrelationKey("pager", "payload.incident", "payload.service")

	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{
			name: "Take_ReturnsStoredContinuation",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				c.ResumeOnTimeout = true
				c.Default = map[string]any{"action": "reject"}
				require.NoError(t, b.Put(ctx, c))

				r, err := b.Take(ctx, c.Token)
				require.NoError(t, err)
				requireContinuation(t, c, r)
			},
		},
		{
			name: "Take_OnlyOnce",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, c))

				_, err := b.Take(ctx, c.Token)
				require.NoError(t, err)

				_, err = b.Take(ctx, c.Token)
				require.ErrorIs(t, err, backend.ErrNotFound)
			},
		},
		{
			name: "Take_UnknownToken",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				_, err := b.Take(ctx, "does-not-exist")
				require.ErrorIs(t, err, backend.ErrNotFound)
			},
		},
		{
			name: "Put_ConflictKeepsExisting",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, c))

				other := newContinuation(approvalKey, time.Now().Add(time.Hour))
				other.Token = c.Token

				err := b.Put(ctx, other)
				require.ErrorIs(t, err, backend.ErrConflict)

				r, err := b.Take(ctx, c.Token)
				require.NoError(t, err)
				require.Equal(t, c.InstanceID, r.InstanceID)
			},
		},
		{
			name: "Put_AfterTakeSucceeds",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, c))

				_, err := b.Take(ctx, c.Token)
				require.NoError(t, err)

				next := newContinuation(approvalKey, time.Now().Add(time.Hour))
				next.Token = c.Token
				require.NoError(t, b.Put(ctx, next))
			},
		},
		{
			name: "Take_Concurrent",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, c))

				const takers = 10

				var wg sync.WaitGroup
				var mu sync.Mutex
				taken := 0

				for i := 0; i < takers; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()

						_, err := b.Take(ctx, c.Token)
						if err == nil {
							mu.Lock()
							taken++
							mu.Unlock()
						} else if !errors.Is(err, backend.ErrNotFound) {
							t.Error(err)
						}
					}()
				}

				wg.Wait()
				require.Equal(t, 1, taken)
			},
		},
		{
			name: "Keys_Distinct",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				keys, err := b.Keys(ctx)
				require.NoError(t, err)
				require.Empty(t, keys)

				require.NoError(t, b.Put(ctx, newContinuation(approvalKey, time.Now().Add(time.Hour))))
				require.NoError(t, b.Put(ctx, newContinuation(approvalKey, time.Now().Add(time.Hour))))

				incident := newContinuation(incidentKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, incident))

				keys, err = b.Keys(ctx)
				require.NoError(t, err)
				require.ElementsMatch(t, []core.CorrelationKey{approvalKey, incidentKey}, keys)

				_, err = b.Take(ctx, incident.Token)
				require.NoError(t, err)

				keys, err = b.Keys(ctx)
				require.NoError(t, err)
				require.Equal(t, []core.CorrelationKey{approvalKey}, keys)
			},
		},
		{
			name: "DeleteInstance",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				c := newContinuation(approvalKey, time.Now().Add(time.Hour))
				require.NoError(t, b.Put(ctx, c))

				r, err := b.DeleteInstance(ctx, c.InstanceID)
				require.NoError(t, err)
				require.Equal(t, c.Token, r.Token)

				_, err = b.Take(ctx, c.Token)
				require.ErrorIs(t, err, backend.ErrNotFound)

				_, err = b.DeleteInstance(ctx, c.InstanceID)
				require.ErrorIs(t, err, backend.ErrNotFound)
			},
		},
		{
			name: "TakeExpired",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().Truncate(time.Millisecond)

				late := newContinuation(approvalKey, now.Add(-time.Minute))
				early := newContinuation(approvalKey, now.Add(-time.Hour))
				exact := newContinuation(approvalKey, now)
				pending := newContinuation(approvalKey, now.Add(time.Hour))
				forever := newContinuation(approvalKey, time.Time{})

				for _, c := range []*core.Continuation{late, early, exact, pending, forever} {
					require.NoError(t, b.Put(ctx, c))
				}

				expired, err := b.TakeExpired(ctx, now, 2)
				require.NoError(t, err)
				require.Len(t, expired, 2)
				require.Equal(t, early.Token, expired[0].Token)
				require.Equal(t, late.Token, expired[1].Token)

				expired, err = b.TakeExpired(ctx, now, 10)
				require.NoError(t, err)
				require.Len(t, expired, 1)
				require.Equal(t, exact.Token, expired[0].Token)

				expired, err = b.TakeExpired(ctx, now, 10)
				require.NoError(t, err)
				require.Empty(t, expired)

				_, err = b.Take(ctx, pending.Token)
				require.NoError(t, err)

				_, err = b.Take(ctx, forever.Token)
				require.NoError(t, err)
			},
		},
		{
			name: "List_OrderedByCreation",
			f: func(t *testing.T, ctx context.Context, b backend.Backend) {
				now := time.Now().Truncate(time.Millisecond)

				var tokens []string
				for i := 0; i < 5; i++ {
					c := newContinuation(approvalKey, now.Add(time.Hour))
					c.CreatedAt = now.Add(time.Duration(i) * time.Second)
					require.NoError(t, b.Put(ctx, c))

					tokens = append(tokens, c.Token)
				}

				first, err := b.List(ctx, "", 3)
				require.NoError(t, err)
				require.Equal(t, tokens[:3], listTokens(first))

				rest, err := b.List(ctx, first[2].Token, 3)
				require.NoError(t, err)
				require.Equal(t, tokens[3:], listTokens(rest))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()
			ctx := context.Background()
			tt.f(t, ctx, b)
			if teardown != nil {
				teardown(b)
			}
		})
	}
}

func newContinuation(key core.CorrelationKey, expiresAt time.Time) *core.Continuation {
	id := uuid.NewString()

	return &core.Continuation{
		Token:      key.Source + "|" + key.Paths[0] + `="` + id + `"`,
		Key:        key,
		InstanceID: id,
		Workflow:   "approval",
		Instance:   []byte(`{"id":"` + id + `","status":"suspended"}`),
		CreatedAt:  time.Now().Truncate(time.Millisecond),
		ExpiresAt:  expiresAt.Truncate(time.Millisecond),
	}
}

func requireContinuation(t *testing.T, expected, actual *core.Continuation) {
	t.Helper()

	require.Equal(t, expected.Token, actual.Token)
	require.Equal(t, expected.Key, actual.Key)
	require.Equal(t, expected.InstanceID, actual.InstanceID)
	require.Equal(t, expected.Workflow, actual.Workflow)
	require.JSONEq(t, string(expected.Instance), string(actual.Instance))
	require.True(t, expected.CreatedAt.Equal(actual.CreatedAt), "created at %v, got %v", expected.CreatedAt, actual.CreatedAt)
	require.True(t, expected.ExpiresAt.Equal(actual.ExpiresAt), "expires at %v, got %v", expected.ExpiresAt, actual.ExpiresAt)
	require.Equal(t, expected.ResumeOnTimeout, actual.ResumeOnTimeout)
	require.Equal(t, expected.Default, actual.Default)
}

func listTokens(cs []*core.Continuation) []string {
	tokens := make([]string, len(cs))
	for i, c := range cs {
		tokens[i] = c.Token
	}

	return tokens
}
