package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/backend/test"
	"github.com/cschleiden/go-automations/core"
	"github.com/stretchr/testify/require"
)

func Test_SqliteBackend(t *testing.T) {
	test.BackendTest(t, func(options ...backend.BackendOption) backend.Backend {
		return NewInMemoryBackend(WithBackendOptions(options...))
	}, func(b backend.Backend) {
		require.NoError(t, b.Close())
	})
}

func Test_SqliteBackend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "automations.db")
	ctx := context.Background()

	b := NewSqliteBackend(path)
	c := &core.Continuation{
		Token:      `chat|payload.message_id="1"`,
		Key:        core.NewCorrelationKey("chat", "payload.message_id"),
		InstanceID: "i1",
		Workflow:   "approval",
		Instance:   []byte(`{"id":"i1"}`),
		CreatedAt:  time.Now(),
	}
	require.NoError(t, b.Put(ctx, c))
	require.NoError(t, b.Close())

	// Migrations are idempotent
	b = NewSqliteBackend(path)
	defer b.Close()

	r, err := b.Take(ctx, c.Token)
	require.NoError(t, err)
	require.Equal(t, "i1", r.InstanceID)
}
