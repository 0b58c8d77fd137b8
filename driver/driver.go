package driver

import (
	"context"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusTimeout Status = "timeout"
)

// Result is the outcome of a single action invocation.
type Result struct {
	Status Status         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Success returns a successful result carrying the given output.
func Success(output map[string]any) *Result {
	return &Result{Status: StatusSuccess, Output: output}
}

// Failure returns a failed result with the given message.
func Failure(msg string) *Result {
	return &Result{Status: StatusFailure, Error: msg}
}

func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSuccess
}

// Document returns the view of the result stored under "steps.<name>" in the instance context.
func (r *Result) Document() map[string]any {
	output := r.Output
	if output == nil {
		output = map[string]any{}
	}

	d := map[string]any{
		"status": string(r.Status),
		"output": output,
	}

	if r.Error != "" {
		d["error"] = r.Error
	}

	return d
}

// Driver is an adapter to an external system. Invoke executes an action and must respect
// cancellation of the passed context.
type Driver interface {
	Name() string

	Invoke(ctx context.Context, action string, params map[string]any) (*Result, error)
}

// Emitter accepts raw event payloads produced by a driver. Payloads must carry at least "source"
// and "type".
type Emitter interface {
	Emit(ctx context.Context, raw map[string]any) error
}

type EmitterFunc func(ctx context.Context, raw map[string]any) error

func (f EmitterFunc) Emit(ctx context.Context, raw map[string]any) error {
	return f(ctx, raw)
}

// Source is a driver that also produces events. Start blocks until ctx is canceled or the source
// fails.
type Source interface {
	Driver

	Start(ctx context.Context, e Emitter) error
}
