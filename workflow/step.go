package workflow

import "time"

type StepKind string

const (
	StepKindAction     StepKind = "action"
	StepKindSequential StepKind = "sequential"
	StepKindParallel   StepKind = "parallel"
	StepKindIf         StepKind = "if"
	StepKindLoop       StepKind = "loop"
	StepKindWorkflow   StepKind = "workflow"
	StepKindSuspend    StepKind = "suspend"
)

// Step is a tagged variant: exactly one of Call, Steps, Parallel, If, Loop, Workflow or Suspend
// must be set. The compiler rejects steps that set none or several of them.
type Step struct {
	// Name is the output key of the step. Results are stored under "steps.<name>".
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Call invokes a function, addressed as "system.function".
	Call string `yaml:"call,omitempty" json:"call,omitempty"`

	// With holds the parameters of an action-call or call-workflow step. String values may
	// reference the context using ${path} expressions.
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// Timeout bounds a single action invocation. Zero uses the engine default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Steps executes the children strictly in order.
	Steps []Step `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Parallel executes the children concurrently.
	Parallel []Step   `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Join     JoinMode `yaml:"join,omitempty" json:"join,omitempty"`

	// Quorum is the number of children that need to succeed for JoinQuorum.
	Quorum int `yaml:"quorum,omitempty" json:"quorum,omitempty"`

	// FailFast cancels running siblings as soon as one child fails.
	FailFast bool `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`

	// If holds the branches of a conditional, the first matching branch is taken.
	If   []Branch `yaml:"if,omitempty" json:"if,omitempty"`
	Else *Step    `yaml:"else,omitempty" json:"else,omitempty"`

	Loop *Loop `yaml:"loop,omitempty" json:"loop,omitempty"`

	// Workflow calls another named workflow as a nested instance.
	Workflow string `yaml:"workflow,omitempty" json:"workflow,omitempty"`

	Suspend *Suspend `yaml:"suspend,omitempty" json:"suspend,omitempty"`

	// Export copies values into the workflow-level "ctx" after the step succeeded. Expressions
	// can reference the step result as "result".
	Export map[string]string `yaml:"export,omitempty" json:"export,omitempty"`

	OnFailure *FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

// Kinds returns the kinds set on the step, in declaration order.
func (s *Step) Kinds() []StepKind {
	var kinds []StepKind

	if s.Call != "" {
		kinds = append(kinds, StepKindAction)
	}

	if s.Steps != nil {
		kinds = append(kinds, StepKindSequential)
	}

	if s.Parallel != nil {
		kinds = append(kinds, StepKindParallel)
	}

	if s.If != nil {
		kinds = append(kinds, StepKindIf)
	}

	if s.Loop != nil {
		kinds = append(kinds, StepKindLoop)
	}

	if s.Workflow != "" {
		kinds = append(kinds, StepKindWorkflow)
	}

	if s.Suspend != nil {
		kinds = append(kinds, StepKindSuspend)
	}

	return kinds
}

type JoinMode string

const (
	// JoinAll completes when all children reached a terminal state.
	JoinAll JoinMode = "all"

	// JoinAny completes with the first child that succeeds.
	JoinAny JoinMode = "any"

	// JoinQuorum completes when Quorum children succeeded.
	JoinQuorum JoinMode = "quorum"
)

type Branch struct {
	When Predicate `yaml:"when" json:"when"`
	Then Step      `yaml:"then" json:"then"`
}

// Loop either iterates over a collection or repeats its body. At least one of Over, Times or
// Until is required.
type Loop struct {
	// Over is an expression resolving to a list or a map. Maps are iterated in key order.
	Over string `yaml:"over,omitempty" json:"over,omitempty"`

	// Times repeats the body a fixed number of times.
	Times int `yaml:"times,omitempty" json:"times,omitempty"`

	// Until is evaluated after every iteration, the loop stops once it holds.
	Until *Predicate `yaml:"until,omitempty" json:"until,omitempty"`

	// As names the loop variable. Defaults to "item".
	As string `yaml:"as,omitempty" json:"as,omitempty"`

	// Max lowers the engine iteration ceiling for this loop.
	Max int `yaml:"max,omitempty" json:"max,omitempty"`

	Do Step `yaml:"do" json:"do"`
}

type TimeoutAction string

const (
	TimeoutFail   TimeoutAction = "fail"
	TimeoutResume TimeoutAction = "resume"
)

// Suspend pauses the instance until an event carrying the correlation values arrives.
type Suspend struct {
	// Correlate maps paths in the resuming event (e.g. "payload.message_id") to expressions
	// evaluated in the current context. Together they form the correlation token.
	Correlate map[string]string `yaml:"correlate" json:"correlate"`

	// Source optionally restricts resuming events to one source.
	Source string `yaml:"source,omitempty" json:"source,omitempty"`

	// Timeout after which the continuation expires. Zero uses the engine default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// OnTimeout decides whether an expired continuation fails the workflow (default) or
	// resumes it with Default as the resume payload.
	OnTimeout TimeoutAction  `yaml:"on_timeout,omitempty" json:"on_timeout,omitempty"`
	Default   map[string]any `yaml:"default,omitempty" json:"default,omitempty"`
}
