package workflow

import "time"

type FailureMode string

const (
	// FailurePropagate fails the enclosing block, and eventually the workflow. This is the default.
	FailurePropagate FailureMode = "propagate"

	// FailureRetry re-executes the step up to Retries more times with backoff between attempts.
	FailureRetry FailureMode = "retry"

	// FailureFallback executes the Fallback step in place of the failed step.
	FailureFallback FailureMode = "fallback"

	// FailureContinue records the failure and advances past the step.
	FailureContinue FailureMode = "continue"
)

type FailurePolicy struct {
	Mode FailureMode `yaml:"mode" json:"mode"`

	// Retries is the number of additional attempts for FailureRetry.
	Retries int `yaml:"retries,omitempty" json:"retries,omitempty"`

	Backoff *Backoff `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// Fallback is executed when the step failed and Mode is FailureFallback. When Retries is
	// also set, the fallback runs after the retries are exhausted.
	Fallback *Step `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type Backoff struct {
	// Initial is the delay before the first retry
	Initial time.Duration `yaml:"initial,omitempty" json:"initial,omitempty"`

	// Max caps the delay of any individual retry
	Max time.Duration `yaml:"max,omitempty" json:"max,omitempty"`

	// Multiplier is applied to the delay after every attempt
	Multiplier float64 `yaml:"multiplier,omitempty" json:"multiplier,omitempty"`
}

var DefaultBackoff = Backoff{
	Initial:    time.Second,
	Max:        time.Minute,
	Multiplier: 2,
}

var DefaultFailurePolicy = FailurePolicy{
	Mode: FailurePropagate,
}
