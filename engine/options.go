package engine

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/internal/executor"
	"github.com/cschleiden/go-automations/metrics"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	// DispatchLanes is the number of event dispatch lanes. Events are assigned to a lane by their
	// source, events of one source are dispatched in receipt order. Defaults to 4.
	DispatchLanes int

	// LaneBuffer is the number of events a lane buffers before Emit blocks. Defaults to 64.
	LaneBuffer int

	// MaxConcurrentInstances limits the number of instances executing at the same time. Excess
	// instances are queued. The default is 0 which is no limit.
	MaxConcurrentInstances int

	// ActionTimeout bounds action calls that do not declare a timeout. Defaults to 30 seconds.
	ActionTimeout time.Duration

	// SuspendTimeout is the expiry of suspend steps that do not declare a timeout. Defaults to
	// 24 hours.
	SuspendTimeout time.Duration

	// MaxLoopIterations is the iteration ceiling of every loop. Defaults to 1000.
	MaxLoopIterations int

	// SweepInterval is the interval between checks for expired continuations. Defaults to 5 seconds.
	SweepInterval time.Duration

	// RetentionTime is how long finished instances stay available for inspection. Defaults to
	// 1 hour.
	RetentionTime time.Duration

	// RetentionSize is the max number of finished instances kept for inspection. Defaults to 1000.
	RetentionSize int

	// Observer is notified about every instance lifecycle transition, in addition to the
	// engine's own bookkeeping.
	Observer executor.Observer

	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock
}

var DefaultOptions = Options{
	DispatchLanes:          4,
	LaneBuffer:             64,
	MaxConcurrentInstances: 0,
	ActionTimeout:          30 * time.Second,
	SuspendTimeout:         24 * time.Hour,
	MaxLoopIterations:      1000,
	SweepInterval:          5 * time.Second,
	RetentionTime:          time.Hour,
	RetentionSize:          1000,
}

func (o Options) withDefaults() Options {
	if o.DispatchLanes <= 0 {
		o.DispatchLanes = DefaultOptions.DispatchLanes
	}

	if o.LaneBuffer <= 0 {
		o.LaneBuffer = DefaultOptions.LaneBuffer
	}

	if o.ActionTimeout <= 0 {
		o.ActionTimeout = DefaultOptions.ActionTimeout
	}

	if o.SuspendTimeout <= 0 {
		o.SuspendTimeout = DefaultOptions.SuspendTimeout
	}

	if o.MaxLoopIterations <= 0 {
		o.MaxLoopIterations = DefaultOptions.MaxLoopIterations
	}

	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultOptions.SweepInterval
	}

	if o.RetentionTime <= 0 {
		o.RetentionTime = DefaultOptions.RetentionTime
	}

	if o.RetentionSize <= 0 {
		o.RetentionSize = DefaultOptions.RetentionSize
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.TracerProvider == nil {
		o.TracerProvider = trace.NewNoopTracerProvider()
	}

	if o.Clock == nil {
		o.Clock = clock.New()
	}

	return o
}
