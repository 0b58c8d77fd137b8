package redis

import (
	"github.com/cschleiden/go-automations/backend"
)

type RedisOptions struct {
	backend.Options

	// KeyPrefix is prepended to every key, allowing multiple engines to share a database.
	KeyPrefix string
}

type RedisBackendOption func(*RedisOptions)

func WithBackendOptions(opts ...backend.BackendOption) RedisBackendOption {
	return func(o *RedisOptions) {
		for _, opt := range opts {
			opt(&o.Options)
		}
	}
}

func WithKeyPrefix(keyPrefix string) RedisBackendOption {
	return func(o *RedisOptions) {
		o.KeyPrefix = keyPrefix
	}
}
