// Package drivertest provides a scripted in-memory driver for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cschleiden/go-automations/driver"
)

type Handler func(ctx context.Context, params map[string]any) (*driver.Result, error)

type Call struct {
	Action string
	Params map[string]any
}

// Driver answers invocations from scripted handlers and records every call. Once started as an
// event source, events can be injected with Emit.
type Driver struct {
	name string

	mu       sync.Mutex
	scripts  map[string][]Handler
	calls    []Call
	emitter  driver.Emitter
	started  chan struct{}
	startOne sync.Once
}

var _ driver.Source = (*Driver)(nil)

var ErrNotStarted = errors.New("driver not started")

func New(name string) *Driver {
	return &Driver{
		name:    name,
		scripts: make(map[string][]Handler),
		started: make(chan struct{}),
	}
}

func (d *Driver) Name() string {
	return d.name
}

// On appends handlers for the given action. Handlers are used in order, the last one answers all
// remaining calls.
func (d *Driver) On(action string, handlers ...Handler) *Driver {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scripts[action] = append(d.scripts[action], handlers...)

	return d
}

// Respond scripts fixed results for the given action.
func (d *Driver) Respond(action string, results ...*driver.Result) *Driver {
	handlers := make([]Handler, len(results))
	for i, r := range results {
		r := r
		handlers[i] = func(context.Context, map[string]any) (*driver.Result, error) {
			return r, nil
		}
	}

	return d.On(action, handlers...)
}

// Echo answers the action successfully with the call parameters as output.
func (d *Driver) Echo(action string) *Driver {
	return d.On(action, func(_ context.Context, params map[string]any) (*driver.Result, error) {
		return driver.Success(params), nil
	})
}

// Block makes the action wait until its context is done.
func (d *Driver) Block(action string) *Driver {
	return d.On(action, func(ctx context.Context, _ map[string]any) (*driver.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func (d *Driver) Invoke(ctx context.Context, action string, params map[string]any) (*driver.Result, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Action: action, Params: params})

	script := d.scripts[action]
	if len(script) == 0 {
		d.mu.Unlock()
		return nil, fmt.Errorf("%s: unknown action %q", d.name, action)
	}

	h := script[0]
	if len(script) > 1 {
		d.scripts[action] = script[1:]
	}
	d.mu.Unlock()

	return h(ctx, params)
}

// Calls returns the recorded calls. With an action name only calls of that action are returned.
func (d *Driver) Calls(action ...string) []Call {
	d.mu.Lock()
	defer d.mu.Unlock()

	var r []Call
	for _, c := range d.calls {
		if len(action) == 0 || c.Action == action[0] {
			r = append(r, c)
		}
	}

	return r
}

func (d *Driver) Start(ctx context.Context, e driver.Emitter) error {
	d.mu.Lock()
	d.emitter = e
	d.mu.Unlock()

	d.startOne.Do(func() { close(d.started) })

	<-ctx.Done()

	return nil
}

// Started is closed once the driver was started as an event source.
func (d *Driver) Started() <-chan struct{} {
	return d.started
}

// Emit injects a raw event. Source defaults to the driver name.
func (d *Driver) Emit(ctx context.Context, eventType string, payload map[string]any) error {
	d.mu.Lock()
	e := d.emitter
	d.mu.Unlock()

	if e == nil {
		return ErrNotStarted
	}

	return e.Emit(ctx, map[string]any{
		"source":  d.name,
		"type":    eventType,
		"payload": payload,
	})
}
