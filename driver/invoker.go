package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/internal/tracing"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/metrics"
	goerrors "github.com/go-errors/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicError is recorded when a driver panics during an invocation.
type PanicError struct {
	Value      any
	Stacktrace string
}

func (pe *PanicError) Error() string {
	return fmt.Sprintf("driver panicked: %v", pe.Value)
}

// Invoker calls actions on registered drivers. Every call is bounded by a timeout, a driver that
// does not return in time yields a timeout result while its goroutine is left to observe the
// canceled context.
type Invoker struct {
	drivers *Registry
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Client
	tracer  trace.Tracer

	defaultTimeout time.Duration
}

type InvokerOption func(*Invoker)

func WithClock(c clock.Clock) InvokerOption {
	return func(i *Invoker) {
		i.clock = c
	}
}

func WithLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) {
		i.logger = logger
	}
}

func WithMetrics(client metrics.Client) InvokerOption {
	return func(i *Invoker) {
		i.metrics = client
	}
}

func WithTracer(tracer trace.Tracer) InvokerOption {
	return func(i *Invoker) {
		i.tracer = tracer
	}
}

// WithDefaultTimeout sets the timeout for calls that do not specify one.
func WithDefaultTimeout(timeout time.Duration) InvokerOption {
	return func(i *Invoker) {
		i.defaultTimeout = timeout
	}
}

const DefaultTimeout = 30 * time.Second

func NewInvoker(drivers *Registry, metricsClient metrics.Client, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		drivers:        drivers,
		clock:          clock.New(),
		logger:         slog.Default(),
		metrics:        metricsClient,
		tracer:         trace.NewNoopTracerProvider().Tracer(tracing.TracerName),
		defaultTimeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

type invocation struct {
	result *Result
	err    error
}

// Invoke executes the action and always returns a result. Errors returned by the driver, panics
// and unknown drivers are reported as failures.
func (i *Invoker) Invoke(ctx context.Context, driverName, action string, params map[string]any, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	logger := i.logger.With(
		slog.String(log.DriverNameKey, driverName),
		slog.String(log.ActionNameKey, action),
	)

	ctx, span := i.tracer.Start(ctx, "Invoke", trace.WithAttributes(
		attribute.String(tracing.Driver, driverName),
		attribute.String(tracing.Action, action),
	))
	defer span.End()

	start := i.clock.Now()
	r := i.invoke(ctx, driverName, action, params, timeout)
	duration := i.clock.Since(start)

	span.SetAttributes(attribute.String(tracing.Status, string(r.Status)))
	if !r.Succeeded() {
		span.SetStatus(codes.Error, r.Error)
	}

	tags := metrics.Tags{
		metrickeys.Driver: driverName,
		metrickeys.Action: action,
		metrickeys.Status: string(r.Status),
	}
	i.metrics.Counter(metrickeys.ActionInvoked, tags, 1)
	i.metrics.Timing(metrickeys.ActionDuration, tags, duration)

	if r.Succeeded() {
		logger.Debug("Action invoked", log.DurationKey, duration.Milliseconds())
	} else {
		logger.Warn("Action did not succeed",
			log.StatusKey, r.Status,
			"error", r.Error,
			log.DurationKey, duration.Milliseconds())
	}

	return r
}

func (i *Invoker) invoke(ctx context.Context, driverName, action string, params map[string]any, timeout time.Duration) *Result {
	d, err := i.drivers.Get(driverName)
	if err != nil {
		return Failure(err.Error())
	}

	callCtx, cancel := i.clock.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invocation, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				pe := &PanicError{Value: r, Stacktrace: string(goerrors.Wrap(r, 2).Stack())}
				i.logger.Error("Driver panicked",
					log.DriverNameKey, driverName,
					log.ActionNameKey, action,
					"panic", fmt.Sprint(r),
					"stack", pe.Stacktrace)

				done <- invocation{err: pe}
			}
		}()

		r, err := d.Invoke(callCtx, action, params)
		done <- invocation{result: r, err: err}
	}()

	select {
	case inv := <-done:
		return normalize(inv)

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// The caller gave up, not a timeout of the action itself
			return Failure(ctx.Err().Error())
		}

		return &Result{
			Status: StatusTimeout,
			Error:  fmt.Sprintf("action did not complete within %v", timeout),
		}
	}
}

func normalize(inv invocation) *Result {
	if inv.err != nil {
		if errors.Is(inv.err, context.DeadlineExceeded) {
			return &Result{Status: StatusTimeout, Error: inv.err.Error()}
		}

		r := Failure(inv.err.Error())
		if inv.result != nil {
			r.Output = inv.result.Output
		}

		return r
	}

	if inv.result == nil {
		return Success(map[string]any{})
	}

	r := *inv.result
	switch r.Status {
	case StatusSuccess, StatusFailure, StatusTimeout:
	case "":
		r.Status = StatusSuccess
	default:
		return Failure(fmt.Sprintf("driver returned unknown status %q", r.Status))
	}

	if r.Status != StatusSuccess && r.Error == "" {
		r.Error = "action " + string(r.Status)
	}

	return &r
}
