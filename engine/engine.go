package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/continuation"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/internal/executor"
	im "github.com/cschleiden/go-automations/internal/metrics"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/internal/normalizer"
	"github.com/cschleiden/go-automations/internal/tracing"
	"github.com/cschleiden/go-automations/internal/worker"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/metrics"
	"github.com/cschleiden/go-automations/registry"
	"github.com/cschleiden/go-automations/rules"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrDuplicateInstance = errors.New("instance is already live")
	ErrNotStarted        = errors.New("engine not started")
	ErrStopped           = errors.New("engine stopped")
)

// Engine receives events, resumes suspended instances and starts the workflows of matching rules.
type Engine struct {
	options Options

	registry *registry.Registry
	drivers  *driver.Registry
	store    *continuation.Store

	executor   *executor.Executor
	normalizer *normalizer.Normalizer
	worker     *worker.Worker[task]

	instances *table
	retention *retention

	lanes []chan *core.Event

	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer
	clock   clock.Clock

	newID func() string

	mu  sync.RWMutex
	ctx context.Context
	wg  sync.WaitGroup
}

var _ driver.Emitter = (*Engine)(nil)

type task struct {
	live     *live
	snapshot *registry.Snapshot
	state    *core.InstanceState
	resume   *executor.Resume
}

func New(reg *registry.Registry, drivers *driver.Registry, store *continuation.Store, options *Options) *Engine {
	if options == nil {
		options = &DefaultOptions
	}

	opts := options.withDefaults()

	mc := opts.Metrics
	if mc == nil {
		mc = im.NewNoopMetricsClient()
	}

	e := &Engine{
		options:    opts,
		registry:   reg,
		drivers:    drivers,
		store:      store,
		normalizer: normalizer.New(opts.Clock),
		instances:  newTable(),
		retention:  newRetention(mc, opts.RetentionSize, opts.RetentionTime),
		lanes:      make([]chan *core.Event, opts.DispatchLanes),
		logger:     opts.Logger,
		metrics:    mc,
		tracer:     opts.TracerProvider.Tracer(tracing.TracerName),
		clock:      opts.Clock,
		newID:      uuid.NewString,
	}

	for i := range e.lanes {
		e.lanes[i] = make(chan *core.Event, opts.LaneBuffer)
	}

	invoker := driver.NewInvoker(drivers, mc,
		driver.WithClock(opts.Clock),
		driver.WithLogger(opts.Logger),
		driver.WithTracer(e.tracer),
		driver.WithDefaultTimeout(opts.ActionTimeout),
	)

	e.executor = executor.New(invoker, executor.Options{
		Logger:            opts.Logger,
		Tracer:            e.tracer,
		Clock:             opts.Clock,
		Observer:          executor.ObserverFunc(e.notify),
		MaxLoopIterations: opts.MaxLoopIterations,
		SuspendTimeout:    opts.SuspendTimeout,
	})

	e.worker = worker.NewWorker(e.handle, opts.Logger, &worker.Options{
		MaxParallelTasks: opts.MaxConcurrentInstances,
	})

	return e
}

// Start starts the dispatch lanes, the expiry sweep and all event sources. To stop the engine,
// cancel the context passed to Start and call WaitForCompletion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx != nil {
		return errors.New("engine already started")
	}

	e.ctx = ctx

	e.worker.Start(context.Background())

	for _, lane := range e.lanes {
		e.wg.Add(1)
		go func(lane chan *core.Event) {
			defer e.wg.Done()
			e.runLane(ctx, lane)
		}(lane)
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.reap(ctx)
	}()

	go func() {
		defer e.wg.Done()
		e.retention.StartEviction(ctx)
	}()

	for _, s := range e.drivers.Sources() {
		e.wg.Add(1)
		go func(s driver.Source) {
			defer e.wg.Done()

			if err := s.Start(ctx, e); err != nil && ctx.Err() == nil {
				e.logger.Error("Event source failed", log.DriverNameKey, s.Name(), "error", err)
			}
		}(s)
	}

	e.logger.Info("Engine started", "lanes", len(e.lanes), "max_instances", e.options.MaxConcurrentInstances)

	return nil
}

// WaitForCompletion waits until the engine stopped after the context passed to Start was
// canceled. Queued and running instances are allowed to finish or suspend.
func (e *Engine) WaitForCompletion() error {
	e.wg.Wait()

	return e.worker.WaitForCompletion()
}

// Shutdown cancels all live instances and waits for them to finish.
func (e *Engine) Shutdown() error {
	e.wg.Wait()

	e.instances.cancelAll()

	return e.worker.WaitForCompletion()
}

// Emit normalizes a raw event and queues it for dispatch. Malformed events are dropped and
// reported with a *workflow.EventMalformedError.
func (e *Engine) Emit(ctx context.Context, raw map[string]any) error {
	ev, err := e.normalizer.Normalize(raw)
	if err != nil {
		e.metrics.Counter(metrickeys.EventDropped, metrics.Tags{metrickeys.Reason: "malformed"}, 1)
		e.logger.Warn("Dropping malformed event", "error", err)

		return err
	}

	return e.Submit(ctx, ev)
}

// Submit queues a normalized event for dispatch. Events of the same source are dispatched in
// submission order.
func (e *Engine) Submit(ctx context.Context, ev *core.Event) error {
	e.mu.RLock()
	engineCtx := e.ctx
	e.mu.RUnlock()

	if engineCtx == nil {
		return ErrNotStarted
	}

	e.metrics.Counter(metrickeys.EventReceived, metrics.Tags{metrickeys.Source: ev.Source}, 1)

	select {
	case e.lanes[e.lane(ev.Source)] <- ev:
		return nil
	case <-engineCtx.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lane(source string) int {
	h := fnv.New32a()
	h.Write([]byte(source))

	return int(h.Sum32() % uint32(len(e.lanes)))
}

func (e *Engine) runLane(ctx context.Context, lane chan *core.Event) {
	for {
		select {
		case <-ctx.Done():
			if n := len(lane); n > 0 {
				e.logger.Warn("Dropping undispatched events", "count", n)
			}

			return

		case ev := <-lane:
			e.dispatch(ctx, ev)
		}
	}
}

// dispatch resumes the continuation the event correlates with. Only events that resume nothing
// are matched against the rules.
func (e *Engine) dispatch(ctx context.Context, ev *core.Event) {
	ctx, span := e.tracer.Start(ctx, "Dispatch", trace.WithAttributes(
		attribute.String(tracing.EventID, ev.ID),
		attribute.String(tracing.EventSource, ev.Source),
		attribute.String(tracing.EventType, ev.Type),
	))
	defer span.End()

	logger := e.logger.With(
		log.EventIDKey, ev.ID,
		log.EventSourceKey, ev.Source,
		log.EventTypeKey, ev.Type,
		log.EventSequenceKey, ev.Sequence,
	)

	c, err := e.store.Resolve(ctx, ev)
	if err != nil {
		logger.Error("Could not resolve continuation", "error", tracing.WithSpanError(span, err))
	}

	if c != nil {
		if !c.Expired(e.clock.Now()) {
			logger.Debug("Event resumes instance", log.InstanceIDKey, c.InstanceID, log.TokenKey, c.Token)
			e.resume(c, ev)
			return
		}

		// The continuation expired before the sweep reaped it, the event is not consumed
		e.resume(c, nil)
	}

	snapshot := e.registry.Snapshot()

	matched, err := snapshot.Matcher.Match(ev)
	if err != nil {
		logger.Warn("Could not evaluate rules", "error", err)
	}

	if len(matched) == 0 {
		logger.Debug("Event did not match any rule")
		return
	}

	for _, r := range matched {
		e.metrics.Counter(metrickeys.EventMatched, metrics.Tags{metrickeys.Workflow: r.Do.Workflow}, 1)

		if err := e.start(snapshot, r, ev); err != nil {
			logger.Warn("Could not start workflow", log.RuleNameKey, r.Name, log.WorkflowNameKey, r.Do.Workflow, "error", err)
		}
	}
}

func (e *Engine) start(snapshot *registry.Snapshot, r *rules.Rule, ev *core.Event) error {
	params, err := snapshot.Matcher.Params(r, ev)
	if err != nil {
		return err
	}

	g, ok := snapshot.Graph(r.Do.Workflow)
	if !ok {
		return fmt.Errorf("unknown workflow %q", r.Do.Workflow)
	}

	bound, err := g.Bind(params)
	if err != nil {
		return err
	}

	state := executor.NewInstance(e.newID(), g, ev, bound, e.clock.Now())

	e.logger.Debug("Starting instance",
		log.InstanceIDKey, state.ID, log.WorkflowNameKey, state.Workflow, log.RuleNameKey, r.Name)

	return e.spawn(state, nil, snapshot)
}
