package engine

import (
	"context"
	"sort"
	"time"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/metrics"
	"github.com/jellydator/ttlcache/v3"
)

// retention keeps the final state of finished instances for inspection.
type retention struct {
	mc metrics.Client
	c  *ttlcache.Cache[string, *core.InstanceState]
}

func newRetention(mc metrics.Client, size int, expiration time.Duration) *retention {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, *core.InstanceState](uint64(size)),
		ttlcache.WithTTL[string, *core.InstanceState](expiration),
		ttlcache.WithDisableTouchOnHit[string, *core.InstanceState](),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, *core.InstanceState]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		default:
			return
		}

		mc.Counter(metrickeys.InstanceRetentionEviction, metrics.Tags{metrickeys.Reason: reason}, 1)
	})

	return &retention{
		mc: mc,
		c:  c,
	}
}

func (r *retention) Get(id string) (*core.InstanceState, bool) {
	i := r.c.Get(id)
	if i == nil {
		return nil, false
	}

	return i.Value(), true
}

func (r *retention) Store(state *core.InstanceState) {
	r.c.Set(state.ID, state, ttlcache.DefaultTTL)

	r.mc.Gauge(metrickeys.InstanceRetentionSize, metrics.Tags{}, int64(r.c.Len()))
}

// List returns the retained instances, most recently created first.
func (r *retention) List() []*core.InstanceState {
	items := r.c.Items()

	states := make([]*core.InstanceState, 0, len(items))
	for _, i := range items {
		states = append(states, i.Value())
	}

	sort.Slice(states, func(i, j int) bool {
		if !states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].CreatedAt.After(states[j].CreatedAt)
		}

		return states[i].ID < states[j].ID
	})

	return states
}

func (r *retention) StartEviction(ctx context.Context) {
	go r.c.Start()

	<-ctx.Done()

	r.c.Stop()
}
