package workflow

// Workflow is a named, possibly parameterized graph of steps. Definitions are immutable after
// load and referenced by name from rules and from call-workflow steps.
type Workflow struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Params declares the parameters accepted by the workflow.
	Params []Param `yaml:"params,omitempty" json:"params,omitempty"`

	// Steps are executed as a sequential block.
	Steps []Step `yaml:"steps" json:"steps"`

	// Outputs are evaluated after the last step succeeded and stored under "outputs" in the
	// instance context. A calling workflow receives the outputs when declared, the whole
	// context otherwise.
	Outputs map[string]string `yaml:"outputs,omitempty" json:"outputs,omitempty"`

	// OnFailure is the default failure policy for steps that do not declare one.
	OnFailure *FailurePolicy `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
}

type Param struct {
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
}
