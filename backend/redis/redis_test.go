package redis

import (
	"context"
	"testing"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/backend/test"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const (
	address  = "localhost:6379"
	user     = ""
	password = "RedisPassw0rd"
)

func Test_RedisBackend(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	client := getClient()
	t.Cleanup(func() { client.Close() })

	test.BackendTest(t, getCreateBackend(client), nil)
}

func Test_RedisBackend_KeyPrefixIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	client := getClient()
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	a := getCreateBackend(client)()
	b := getCreateBackend(client)()

	require.NoError(t, a.Put(ctx, newTestContinuation("token")))
	require.NoError(t, b.Put(ctx, newTestContinuation("token")))

	keys, err := b.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func getClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{address},
		Username: user,
		Password: password,
		DB:       0,
	})
}

// getCreateBackend returns backends with a unique key prefix, so tests never see each other's
// data. The shared client is not closed by the tests.
func getCreateBackend(client redis.UniversalClient) func(options ...backend.BackendOption) backend.Backend {
	return func(options ...backend.BackendOption) backend.Backend {
		b, err := NewRedisBackend(client,
			WithKeyPrefix("test-"+uuid.NewString()+":"),
			WithBackendOptions(options...),
		)
		if err != nil {
			panic(err)
		}

		return b
	}
}
