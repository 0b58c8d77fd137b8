package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrCanceled is returned when an instance was canceled by an operator or by a failing parent.
	ErrCanceled = errors.New("workflow instance canceled")

	// ErrDefinitionChanged is returned when a suspended instance is resumed against a workflow
	// definition that changed since it was suspended.
	ErrDefinitionChanged = errors.New("workflow definition changed while instance was suspended")
)

// ConfigurationError reports an invalid definition: unresolved workflow reference, circular
// call, malformed trigger or expression. It fails the affected workflow or rule at load time.
type ConfigurationError struct {
	Workflow string
	Rule     string
	Step     string
	Message  string
	Err      error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")

	if e.Rule != "" {
		fmt.Fprintf(&b, " in rule %q", e.Rule)
	}

	if e.Workflow != "" {
		fmt.Fprintf(&b, " in workflow %q", e.Workflow)
	}

	if e.Step != "" {
		fmt.Fprintf(&b, " at step %q", e.Step)
	}

	b.WriteString(": ")
	b.WriteString(e.Message)

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// EventMalformedError is returned for emitted payloads missing the event envelope.
type EventMalformedError struct {
	Reason string
}

func (e *EventMalformedError) Error() string {
	return "malformed event: " + e.Reason
}

// ParameterResolutionError is returned when a step requires a value that is absent from the
// context.
type ParameterResolutionError struct {
	Step  string
	Param string
	Path  string
}

func (e *ParameterResolutionError) Error() string {
	if e.Param == "" {
		return fmt.Sprintf("step %q: could not resolve %q", e.Step, e.Path)
	}

	return fmt.Sprintf("step %q: parameter %q: could not resolve %q", e.Step, e.Param, e.Path)
}

// MissingParameterError is returned when an instance is started without a required workflow
// parameter.
type MissingParameterError struct {
	Workflow string
	Param    string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("workflow %q: missing required parameter %q", e.Workflow, e.Param)
}

// ActionInvocationError is returned when a driver reports a failed or timed out action.
type ActionInvocationError struct {
	Driver  string
	Action  string
	Status  string
	Message string
}

func (e *ActionInvocationError) Error() string {
	msg := fmt.Sprintf("action %s.%s: %s", e.Driver, e.Action, e.Status)
	if e.Message != "" {
		msg += ": " + e.Message
	}

	return msg
}

// Timeout returns true if the action did not complete within its timeout.
func (e *ActionInvocationError) Timeout() bool {
	return e.Status == "timeout"
}

// SuspendConflictError is returned when a suspend step computes a correlation token that
// already has an active continuation. The existing continuation is kept.
type SuspendConflictError struct {
	Token string
}

func (e *SuspendConflictError) Error() string {
	return fmt.Sprintf("correlation token %q already has an active continuation", e.Token)
}

// ContinuationExpiredError is the terminal error of an instance whose continuation expired
// before a matching event arrived.
type ContinuationExpiredError struct {
	Token     string
	ExpiresAt time.Time
}

func (e *ContinuationExpiredError) Error() string {
	return fmt.Sprintf("continuation %q expired at %s", e.Token, e.ExpiresAt.Format(time.RFC3339))
}

// LoopLimitError is returned when a loop exceeds its iteration ceiling.
type LoopLimitError struct {
	Step  string
	Limit int
}

func (e *LoopLimitError) Error() string {
	return fmt.Sprintf("loop %q exceeded the maximum of %d iterations", e.Step, e.Limit)
}

// IsConfigurationError returns true if err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
