package rules

import "github.com/cschleiden/go-automations/workflow"

// Rule binds a trigger to a workflow. Rules are immutable once loaded.
type Rule struct {
	Name string      `yaml:"name" json:"name"`
	When TriggerSpec `yaml:"when" json:"when"`
	Do   WorkflowRef `yaml:"do" json:"do"`
}

// TriggerSpec selects events. Source and Type are exact names or glob patterns ("chat.*"), empty
// matches everything. Match is shorthand for equality predicates on event paths.
//
// Alternatively System and Trigger reference a trigger declared by a system, the rule's own
// Match and Conditions are added to the ones of the referenced trigger.
type TriggerSpec struct {
	Source     string               `yaml:"source,omitempty" json:"source,omitempty"`
	Type       string               `yaml:"type,omitempty" json:"type,omitempty"`
	Match      map[string]any       `yaml:"match,omitempty" json:"match,omitempty"`
	Conditions []workflow.Predicate `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	System  string `yaml:"system,omitempty" json:"system,omitempty"`
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty"`
}

type WorkflowRef struct {
	Workflow string `yaml:"workflow" json:"workflow"`

	// Params are evaluated against the triggering event and bound to the workflow parameters.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}
