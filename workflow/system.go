package workflow

// System is a named bundle of functions and triggers on top of a driver. Action-call steps
// address functions as "system.function", rules can reference triggers as "system.trigger".
type System struct {
	Name string `yaml:"name" json:"name"`

	// Driver is the name of the driver executing the functions. Defaults to the system name.
	Driver string `yaml:"driver,omitempty" json:"driver,omitempty"`

	// Data holds default parameters merged into every function call of the system.
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`

	Functions map[string]Function `yaml:"functions,omitempty" json:"functions,omitempty"`
	Triggers  map[string]Trigger  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

type Function struct {
	// Action is the driver action to invoke. Defaults to the function name.
	Action string `yaml:"action,omitempty" json:"action,omitempty"`

	// Params are default parameters, overridden by the step's parameters.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type Trigger struct {
	Source     string         `yaml:"source,omitempty" json:"source,omitempty"`
	Type       string         `yaml:"type,omitempty" json:"type,omitempty"`
	Match      map[string]any `yaml:"match,omitempty" json:"match,omitempty"`
	Conditions []Predicate    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}
