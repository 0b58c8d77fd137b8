// Package memory provides a process-local continuation backend. Continuations do not survive a
// restart.
package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/metrics"
	"go.opentelemetry.io/otel/trace"
)

const DefaultShards = 32

type shard struct {
	sync.Mutex

	continuations map[string]*core.Continuation
}

var _ backend.Backend = (*memoryBackend)(nil)

func NewMemoryBackend(opts ...backend.BackendOption) *memoryBackend {
	options := backend.ApplyOptions(opts...)

	b := &memoryBackend{
		shards:    make([]*shard, DefaultShards),
		instances: make(map[string]string),
		keys:      make(map[string]*keyCount),
		options:   &options,
	}

	for i := range b.shards {
		b.shards[i] = &shard{continuations: make(map[string]*core.Continuation)}
	}

	return b
}

type keyCount struct {
	key   core.CorrelationKey
	count int
}

type memoryBackend struct {
	shards []*shard

	// indexMu guards the instance and key indexes. Lock order is shard, then index.
	indexMu   sync.Mutex
	instances map[string]string
	keys      map[string]*keyCount

	options *backend.Options
}

func (mb *memoryBackend) shard(token string) *shard {
	h := fnv.New32a()
	h.Write([]byte(token))

	return mb.shards[h.Sum32()%uint32(len(mb.shards))]
}

func (mb *memoryBackend) Put(_ context.Context, c *core.Continuation) error {
	s := mb.shard(c.Token)

	s.Lock()
	defer s.Unlock()

	if _, ok := s.continuations[c.Token]; ok {
		return backend.ErrConflict
	}

	cc := *c
	s.continuations[c.Token] = &cc

	mb.indexMu.Lock()
	defer mb.indexMu.Unlock()

	mb.instances[c.InstanceID] = c.Token

	k := c.Key.String()
	if kc, ok := mb.keys[k]; ok {
		kc.count++
	} else {
		mb.keys[k] = &keyCount{key: c.Key, count: 1}
	}

	return nil
}

func (mb *memoryBackend) Take(_ context.Context, token string) (*core.Continuation, error) {
	c, ok := mb.take(token, nil)
	if !ok {
		return nil, backend.ErrNotFound
	}

	return c, nil
}

// take removes the continuation for the token if cond holds for it.
func (mb *memoryBackend) take(token string, cond func(c *core.Continuation) bool) (*core.Continuation, bool) {
	s := mb.shard(token)

	s.Lock()
	defer s.Unlock()

	c, ok := s.continuations[token]
	if !ok || cond != nil && !cond(c) {
		return nil, false
	}

	delete(s.continuations, token)

	mb.indexMu.Lock()
	defer mb.indexMu.Unlock()

	if mb.instances[c.InstanceID] == token {
		delete(mb.instances, c.InstanceID)
	}

	k := c.Key.String()
	if kc, ok := mb.keys[k]; ok {
		kc.count--
		if kc.count <= 0 {
			delete(mb.keys, k)
		}
	}

	return c, true
}

func (mb *memoryBackend) Keys(context.Context) ([]core.CorrelationKey, error) {
	mb.indexMu.Lock()
	defer mb.indexMu.Unlock()

	keys := make([]core.CorrelationKey, 0, len(mb.keys))
	for _, kc := range mb.keys {
		keys = append(keys, kc.key)
	}

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})

	return keys, nil
}

func (mb *memoryBackend) DeleteInstance(_ context.Context, instanceID string) (*core.Continuation, error) {
	mb.indexMu.Lock()
	token, ok := mb.instances[instanceID]
	mb.indexMu.Unlock()

	if !ok {
		return nil, backend.ErrNotFound
	}

	c, ok := mb.take(token, func(c *core.Continuation) bool {
		return c.InstanceID == instanceID
	})
	if !ok {
		return nil, backend.ErrNotFound
	}

	return c, nil
}

func (mb *memoryBackend) TakeExpired(_ context.Context, now time.Time, limit int) ([]*core.Continuation, error) {
	candidates := mb.snapshot(func(c *core.Continuation) bool {
		return c.Expired(now)
	})

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ExpiresAt.Equal(candidates[j].ExpiresAt) {
			return candidates[i].Token < candidates[j].Token
		}

		return candidates[i].ExpiresAt.Before(candidates[j].ExpiresAt)
	})

	r := make([]*core.Continuation, 0, limit)
	for _, cand := range candidates {
		if len(r) >= limit {
			break
		}

		// Another caller might have claimed it since the snapshot
		c, ok := mb.take(cand.Token, func(c *core.Continuation) bool {
			return c.Expired(now)
		})
		if ok {
			r = append(r, c)
		}
	}

	return r, nil
}

func (mb *memoryBackend) List(_ context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	all := mb.snapshot(nil)

	sort.Slice(all, func(i, j int) bool {
		return listLess(all[i], all[j])
	})

	start := 0
	if afterToken != "" {
		start = len(all)
		for i, c := range all {
			if c.Token == afterToken {
				start = i + 1
				break
			}
		}
	}

	end := start + count
	if end > len(all) {
		end = len(all)
	}

	r := make([]*core.Continuation, 0, end-start)
	for _, c := range all[start:end] {
		cc := *c
		r = append(r, &cc)
	}

	return r, nil
}

func listLess(a, b *core.Continuation) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.Token < b.Token
	}

	return a.CreatedAt.Before(b.CreatedAt)
}

func (mb *memoryBackend) snapshot(filter func(c *core.Continuation) bool) []*core.Continuation {
	var r []*core.Continuation

	for _, s := range mb.shards {
		s.Lock()
		for _, c := range s.continuations {
			if filter == nil || filter(c) {
				r = append(r, c)
			}
		}
		s.Unlock()
	}

	return r
}

func (mb *memoryBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *memoryBackend) Metrics() metrics.Client {
	return mb.options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"})
}

func (mb *memoryBackend) Options() *backend.Options {
	return mb.options
}

func (mb *memoryBackend) Close() error {
	return nil
}
