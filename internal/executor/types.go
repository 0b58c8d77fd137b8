package executor

import (
	"context"
	"time"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/internal/compiler"
)

// Program resolves compiled workflows. A running instance keeps using the program it was started
// with, so definitions can be reloaded without affecting it.
type Program interface {
	Graph(name string) (*compiler.Graph, bool)
}

type Invoker interface {
	Invoke(ctx context.Context, driverName, action string, params map[string]any, timeout time.Duration) *driver.Result
}

// Resume carries the input for a suspended instance.
type Resume struct {
	// Event is the resuming event. Nil when the continuation expired.
	Event *core.Event

	// Payload becomes the output of the suspend step.
	Payload map[string]any

	// Expired is set when the continuation expired without a matching event. Unless the suspend
	// step resumes on timeout, the step fails.
	Expired bool

	Token     string
	ExpiresAt time.Time
}

// Suspension describes the continuation a suspended instance waits for.
type Suspension struct {
	Node int
	Step string

	Token string
	Key   core.CorrelationKey

	ExpiresAt time.Time

	ResumeOnTimeout bool
	Default         map[string]any
}

type Outcome struct {
	State *core.InstanceState

	// Suspension is set if the instance suspended.
	Suspension *Suspension

	// Err is the terminal error of a failed or canceled instance.
	Err error
}

type Lifecycle string

const (
	LifecycleStarted   Lifecycle = "started"
	LifecycleResumed   Lifecycle = "resumed"
	LifecycleSuspended Lifecycle = "suspended"
	LifecycleSucceeded Lifecycle = "succeeded"
	LifecycleFailed    Lifecycle = "failed"
	LifecycleCanceled  Lifecycle = "canceled"
)

// Observer is notified about lifecycle transitions of instances, including nested instances of
// call-workflow steps. Notifications are delivered synchronously, observers must not modify the
// state.
type Observer interface {
	Notify(ctx context.Context, l Lifecycle, state *core.InstanceState)
}

type ObserverFunc func(ctx context.Context, l Lifecycle, state *core.InstanceState)

func (f ObserverFunc) Notify(ctx context.Context, l Lifecycle, state *core.InstanceState) {
	f(ctx, l, state)
}

type noopObserver struct{}

func (noopObserver) Notify(context.Context, Lifecycle, *core.InstanceState) {}
