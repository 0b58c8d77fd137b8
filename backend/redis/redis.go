package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/metrics"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

var _ backend.Backend = (*redisBackend)(nil)

func NewRedisBackend(client redis.UniversalClient, opts ...RedisBackendOption) (*redisBackend, error) {
	// Default options
	options := &RedisOptions{
		Options: backend.ApplyOptions(),
	}

	for _, opt := range opts {
		opt(options)
	}

	rb := &redisBackend{
		rdb:     client,
		options: options,
		keys:    newKeys(options.KeyPrefix),
	}

	// Preload scripts here. Usually redis-go attempts to execute them first, and the if redis doesn't know
	// them, loads them. This doesn't work when using (transactional) pipelines, so eagerly load them on startup.
	ctx := context.Background()
	cmds := map[string]*redis.StringCmd{
		"putCmd":            putCmd.Load(ctx, rb.rdb),
		"takeCmd":           takeCmd.Load(ctx, rb.rdb),
		"deleteInstanceCmd": deleteInstanceCmd.Load(ctx, rb.rdb),
		"takeExpiredCmd":    takeExpiredCmd.Load(ctx, rb.rdb),
	}
	for name, cmd := range cmds {
		if cmd.Err() != nil {
			return nil, fmt.Errorf("loading redis script: %v %w", name, cmd.Err())
		}
	}

	return rb, nil
}

type redisBackend struct {
	rdb     redis.UniversalClient
	options *RedisOptions
	keys    *keys
}

func (rb *redisBackend) Put(ctx context.Context, c *core.Continuation) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling continuation: %w", err)
	}

	expiresAt := ""
	if !c.ExpiresAt.IsZero() {
		expiresAt = strconv.FormatInt(c.ExpiresAt.UnixMilli(), 10)
	}

	added, err := putCmd.Run(ctx, rb.rdb, []string{
		rb.keys.continuationKey(c.Token),
		rb.keys.instanceKey(c.InstanceID),
		rb.keys.expiring(),
		rb.keys.byCreation(),
		rb.keys.correlationKeys(),
	},
		c.Token,
		string(data),
		c.InstanceID,
		c.Key.String(),
		c.CreatedAt.UnixMilli(),
		expiresAt,
	).Int64()
	if err != nil {
		return fmt.Errorf("storing continuation: %w", err)
	}

	if added == 0 {
		return backend.ErrConflict
	}

	return nil
}

func (rb *redisBackend) Take(ctx context.Context, token string) (*core.Continuation, error) {
	data, err := takeCmd.Run(ctx, rb.rdb, nil, rb.keys.prefix, token).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrNotFound
		}

		return nil, fmt.Errorf("taking continuation: %w", err)
	}

	return unmarshalContinuation(data)
}

func (rb *redisBackend) Keys(ctx context.Context) ([]core.CorrelationKey, error) {
	fields, err := rb.rdb.HKeys(ctx, rb.keys.correlationKeys()).Result()
	if err != nil {
		return nil, fmt.Errorf("reading correlation keys: %w", err)
	}

	keys := make([]core.CorrelationKey, 0, len(fields))
	for _, f := range fields {
		k, err := core.ParseCorrelationKey(f)
		if err != nil {
			return nil, err
		}

		keys = append(keys, k)
	}

	return keys, nil
}

func (rb *redisBackend) DeleteInstance(ctx context.Context, instanceID string) (*core.Continuation, error) {
	data, err := deleteInstanceCmd.Run(ctx, rb.rdb, []string{rb.keys.instanceKey(instanceID)}, rb.keys.prefix).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, backend.ErrNotFound
		}

		return nil, fmt.Errorf("deleting continuation of instance: %w", err)
	}

	return unmarshalContinuation(data)
}

func (rb *redisBackend) TakeExpired(ctx context.Context, now time.Time, limit int) ([]*core.Continuation, error) {
	data, err := takeExpiredCmd.Run(ctx, rb.rdb, []string{rb.keys.expiring()}, rb.keys.prefix, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("taking expired continuations: %w", err)
	}

	r := make([]*core.Continuation, 0, len(data))
	for _, d := range data {
		c, err := unmarshalContinuation(d)
		if err != nil {
			return nil, err
		}

		r = append(r, c)
	}

	return r, nil
}

func (rb *redisBackend) List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	var start int64
	if afterToken != "" {
		rank, err := rb.rdb.ZRank(ctx, rb.keys.byCreation(), afterToken).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return []*core.Continuation{}, nil
			}

			return nil, fmt.Errorf("finding continuation: %w", err)
		}

		start = rank + 1
	}

	tokens, err := rb.rdb.ZRange(ctx, rb.keys.byCreation(), start, start+int64(count)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing continuations: %w", err)
	}

	cmds := make([]*redis.StringCmd, len(tokens))
	_, err = rb.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, token := range tokens {
			cmds[i] = p.HGet(ctx, rb.keys.continuationKey(token), "data")
		}

		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading continuations: %w", err)
	}

	r := make([]*core.Continuation, 0, len(tokens))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			// Taken since the range was read
			if errors.Is(err, redis.Nil) {
				continue
			}

			return nil, err
		}

		c, err := unmarshalContinuation(data)
		if err != nil {
			return nil, err
		}

		r = append(r, c)
	}

	return r, nil
}

func unmarshalContinuation(data string) (*core.Continuation, error) {
	var c core.Continuation
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshaling continuation: %w", err)
	}

	return &c, nil
}

func (rb *redisBackend) Metrics() metrics.Client {
	return rb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "redis"})
}

func (rb *redisBackend) Tracer() trace.Tracer {
	return rb.options.TracerProvider.Tracer(backend.TracerName)
}

func (rb *redisBackend) Options() *backend.Options {
	return &rb.options.Options
}

func (rb *redisBackend) Close() error {
	return rb.rdb.Close()
}
