package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/internal/tracing"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/workflow"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Logger *slog.Logger

	Tracer trace.Tracer

	Clock clock.Clock

	Observer Observer

	// MaxLoopIterations is the iteration ceiling for every loop.
	MaxLoopIterations int

	// SuspendTimeout is the expiry of continuations of suspend steps that do not set one.
	SuspendTimeout time.Duration
}

var DefaultOptions = Options{
	MaxLoopIterations: 1000,
	SuspendTimeout:    24 * time.Hour,
}

// Executor drives workflow instances through their compiled graphs. It holds no per-instance
// state and can run any number of instances concurrently.
type Executor struct {
	invoker Invoker
	options Options

	newID func() string
}

func New(invoker Invoker, options Options) *Executor {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Tracer == nil {
		options.Tracer = trace.NewNoopTracerProvider().Tracer(tracing.TracerName)
	}

	if options.Clock == nil {
		options.Clock = clock.New()
	}

	if options.Observer == nil {
		options.Observer = noopObserver{}
	}

	if options.MaxLoopIterations <= 0 {
		options.MaxLoopIterations = DefaultOptions.MaxLoopIterations
	}

	if options.SuspendTimeout <= 0 {
		options.SuspendTimeout = DefaultOptions.SuspendTimeout
	}

	return &Executor{
		invoker: invoker,
		options: options,
		newID:   uuid.NewString,
	}
}

// NewInstance creates the state of a new top-level instance of the graph. The parameters have to
// be bound already.
func NewInstance(id string, g *compiler.Graph, e *core.Event, params map[string]any, now time.Time) *core.InstanceState {
	return &core.InstanceState{
		ID:          id,
		Workflow:    g.Name,
		Fingerprint: g.Fingerprint,
		Status:      core.InstanceStatusReady,
		RootID:      id,
		CreatedAt:   now,
		Event:       e,
		Context: map[string]any{
			"params":        params,
			expr.StepsKey:   map[string]any{},
			expr.ContextKey: map[string]any{},
		},
	}
}

// suspended unwinds the execution from a suspend step to the instance. Every composite node on
// the way prepends its frame.
type suspended struct {
	frames     []core.Frame
	suspension *Suspension
}

func (*suspended) Error() string {
	return "instance suspended"
}

func isSuspended(err error) (*suspended, bool) {
	var s *suspended
	ok := errors.As(err, &s)
	return s, ok
}

var errInvalidPath = errors.New("resume path does not match the workflow graph")

// Run executes the instance until it completes or suspends. With a nil resume the instance is
// started from the beginning, otherwise it continues at its resume path. The state is updated in
// place and returned in the outcome.
func (e *Executor) Run(ctx context.Context, prog Program, state *core.InstanceState, resume *Resume) *Outcome {
	logger := e.options.Logger.With(
		slog.String(log.InstanceIDKey, state.ID),
		slog.String(log.WorkflowNameKey, state.Workflow),
	)

	if state.ParentID != "" {
		logger = logger.With(slog.String(log.ParentIDKey, state.ParentID))
	}

	ctx, span := tracing.StartInstanceSpan(ctx, e.options.Tracer, "Run", state.ID, state.Workflow, resume != nil)
	defer span.End()

	o := e.run(ctx, prog, state, resume, logger)
	if o.Err != nil {
		tracing.WithSpanError(span, o.Err)
	}

	return o
}

func (e *Executor) run(ctx context.Context, prog Program, state *core.InstanceState, resume *Resume, logger *slog.Logger) *Outcome {
	g, ok := prog.Graph(state.Workflow)

	var frames []core.Frame
	if resume != nil {
		if !state.Suspended() {
			return e.finish(ctx, state, errors.New("instance is not suspended"), logger)
		}

		if !ok || g.Fingerprint != state.Fingerprint {
			return e.finish(ctx, state, workflow.ErrDefinitionChanged, logger)
		}

		frames = state.Path
		state.Path = nil
		state.Status = core.InstanceStatusRunning

		logger.Debug("Resuming instance")
		e.options.Observer.Notify(ctx, LifecycleResumed, state)
	} else {
		if !ok {
			return e.finish(ctx, state, fmt.Errorf("unknown workflow %q", state.Workflow), logger)
		}

		state.Fingerprint = g.Fingerprint
		state.Status = core.InstanceStatusRunning

		logger.Debug("Starting instance")
		e.options.Observer.Notify(ctx, LifecycleStarted, state)
	}

	if state.Context == nil {
		state.Context = map[string]any{}
	}

	r := &run{
		e:      e,
		prog:   prog,
		g:      g,
		state:  state,
		resume: resume,
		logger: logger,
	}

	scope := expr.NewScope(expr.EventLayer(state.Event.Document()), state.Context)

	err := r.exec(ctx, g.Node(g.Root), scope, frames)
	if s, ok := isSuspended(err); ok {
		state.Path = s.frames
		state.Status = core.InstanceStatusSuspended

		logger.Debug("Instance suspended", log.TokenKey, s.suspension.Token, log.ExpiresAtKey, s.suspension.ExpiresAt)
		e.options.Observer.Notify(ctx, LifecycleSuspended, state)

		return &Outcome{State: state, Suspension: s.suspension}
	}

	if err == nil {
		err = r.outputs(scope)
	}

	return e.finish(ctx, state, err, logger)
}

func (e *Executor) finish(ctx context.Context, state *core.InstanceState, err error, logger *slog.Logger) *Outcome {
	state.Path = nil

	switch {
	case err == nil:
		state.Status = core.InstanceStatusSucceeded
		logger.Debug("Instance succeeded")
		e.options.Observer.Notify(ctx, LifecycleSucceeded, state)

	case errors.Is(err, workflow.ErrCanceled) || ctx.Err() != nil:
		err = workflow.ErrCanceled
		state.Status = core.InstanceStatusCanceled
		state.Error = err.Error()
		logger.Debug("Instance canceled")
		e.options.Observer.Notify(ctx, LifecycleCanceled, state)

	default:
		state.Status = core.InstanceStatusFailed
		state.Error = err.Error()
		logger.Warn("Instance failed", "error", err)
		e.options.Observer.Notify(ctx, LifecycleFailed, state)
	}

	return &Outcome{State: state, Err: err}
}

type run struct {
	e      *Executor
	prog   Program
	g      *compiler.Graph
	state  *core.InstanceState
	resume *Resume
	logger *slog.Logger
}

func (r *run) outputs(s *expr.Scope) error {
	if len(r.g.Outputs) == 0 {
		return nil
	}

	outputs := make(map[string]any, len(r.g.Outputs))
	for _, b := range r.g.Outputs {
		v, err := b.Value.Resolve(s)
		if err != nil {
			return resolutionError("outputs", b.Key, err)
		}

		outputs[b.Key] = v
	}

	r.state.Context["outputs"] = outputs

	return nil
}

func resolutionError(step, param string, err error) error {
	var me *expr.MissingError
	if errors.As(err, &me) {
		return &workflow.ParameterResolutionError{Step: step, Param: param, Path: me.Path}
	}

	return fmt.Errorf("step %q: %w", step, err)
}
