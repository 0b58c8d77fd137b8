package continuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/backend"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/internal/tracing"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/metrics"
	"github.com/cschleiden/go-automations/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSweepBatch is the number of expired continuations claimed per backend round trip.
const DefaultSweepBatch = 100

// Store keeps suspended continuations, keyed by correlation token. All atomicity guarantees
// come from the backend: a continuation is handed out by exactly one of Resolve, Sweep and
// Cancel.
type Store struct {
	b       backend.Backend
	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
	clock   clock.Clock

	sweepBatch int
}

type StoreOption func(*Store)

// WithClock sets the clock resolve latencies are measured with.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) {
		s.clock = c
	}
}

func WithSweepBatch(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

func NewStore(b backend.Backend, opts ...StoreOption) *Store {
	s := &Store{
		b:          b,
		logger:     b.Options().Logger,
		metrics:    b.Metrics(),
		tracer:     b.Tracer(),
		clock:      clock.New(),
		sweepBatch: DefaultSweepBatch,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Put persists a continuation. If the token already has an active continuation, the existing
// one is kept and a *workflow.SuspendConflictError is returned.
func (s *Store) Put(ctx context.Context, c *core.Continuation) error {
	ctx, span := s.tracer.Start(ctx, "Store.Put", trace.WithAttributes(
		attribute.String(tracing.InstanceID, c.InstanceID),
		attribute.String(tracing.Workflow, c.Workflow),
	))
	defer span.End()

	tags := metrics.Tags{metrickeys.Workflow: c.Workflow}

	if err := s.b.Put(ctx, c); err != nil {
		if errors.Is(err, backend.ErrConflict) {
			s.metrics.Counter(metrickeys.ContinuationConflict, tags, 1)
			s.logger.Warn("Correlation token already has an active continuation",
				log.TokenKey, c.Token, log.InstanceIDKey, c.InstanceID)

			return tracing.WithSpanError(span, &workflow.SuspendConflictError{Token: c.Token})
		}

		return tracing.WithSpanError(span, fmt.Errorf("storing continuation: %w", err))
	}

	s.metrics.Counter(metrickeys.ContinuationCreated, tags, 1)
	s.logger.Debug("Stored continuation",
		log.TokenKey, c.Token, log.InstanceIDKey, c.InstanceID, log.ExpiresAtKey, c.ExpiresAt)

	return nil
}

// Resolve derives a token from the event for every correlation key in use and claims the first
// matching continuation. It returns nil if the event resumes nothing. A claimed continuation may
// already be past its expiry if the sweep has not reaped it yet; callers check Expired.
func (s *Store) Resolve(ctx context.Context, e *core.Event) (*core.Continuation, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Resolve", trace.WithAttributes(
		attribute.String(tracing.EventID, e.ID),
		attribute.String(tracing.EventSource, e.Source),
	))
	defer span.End()

	defer metrics.Timer(s.metrics, s.clock, metrickeys.ContinuationResolveDuration, metrics.Tags{metrickeys.Source: e.Source}).Stop()

	keys, err := s.b.Keys(ctx)
	if err != nil {
		return nil, tracing.WithSpanError(span, fmt.Errorf("reading correlation keys: %w", err))
	}

	for _, k := range keys {
		token, ok := Derive(k, e)
		if !ok {
			continue
		}

		c, err := s.b.Take(ctx, token)
		if err != nil {
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}

			return nil, tracing.WithSpanError(span, fmt.Errorf("claiming continuation: %w", err))
		}

		s.metrics.Counter(metrickeys.ContinuationResumed, metrics.Tags{metrickeys.Workflow: c.Workflow}, 1)
		s.logger.Debug("Resolved continuation",
			log.TokenKey, token, log.InstanceIDKey, c.InstanceID, log.EventIDKey, e.ID)

		return c, nil
	}

	return nil, nil
}

// Cancel removes the pending continuation of an instance. It returns nil if the instance does
// not wait on one.
func (s *Store) Cancel(ctx context.Context, instanceID string) (*core.Continuation, error) {
	c, err := s.b.DeleteInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("removing continuation: %w", err)
	}

	s.logger.Debug("Removed continuation", log.TokenKey, c.Token, log.InstanceIDKey, instanceID)

	return c, nil
}

// Sweep claims all continuations that expired at or before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) ([]*core.Continuation, error) {
	ctx, span := s.tracer.Start(ctx, "Store.Sweep")
	defer span.End()

	var r []*core.Continuation

	for {
		cs, err := s.b.TakeExpired(ctx, now, s.sweepBatch)
		if err != nil {
			return r, tracing.WithSpanError(span, fmt.Errorf("claiming expired continuations: %w", err))
		}

		for _, c := range cs {
			s.metrics.Counter(metrickeys.ContinuationExpired, metrics.Tags{metrickeys.Workflow: c.Workflow}, 1)
			s.logger.Debug("Continuation expired",
				log.TokenKey, c.Token, log.InstanceIDKey, c.InstanceID, log.ExpiresAtKey, c.ExpiresAt)
		}

		r = append(r, cs...)

		if len(cs) < s.sweepBatch {
			return r, nil
		}
	}
}

// List returns active continuations ordered by creation, for diagnostics.
func (s *Store) List(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	return s.b.List(ctx, afterToken, count)
}
