package core

import (
	"encoding/json"
	"fmt"
	"time"
)

type InstanceStatus int

const (
	InstanceStatusReady InstanceStatus = iota
	InstanceStatusRunning
	InstanceStatusSuspended
	InstanceStatusSucceeded
	InstanceStatusFailed
	InstanceStatusCanceled
)

var instanceStatusNames = map[InstanceStatus]string{
	InstanceStatusReady:     "ready",
	InstanceStatusRunning:   "running",
	InstanceStatusSuspended: "suspended",
	InstanceStatusSucceeded: "succeeded",
	InstanceStatusFailed:    "failed",
	InstanceStatusCanceled:  "canceled",
}

func (s InstanceStatus) String() string {
	if n, ok := instanceStatusNames[s]; ok {
		return n
	}

	return fmt.Sprintf("InstanceStatus(%d)", int(s))
}

// Terminal returns true if no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusSucceeded || s == InstanceStatusFailed || s == InstanceStatusCanceled
}

func (s InstanceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *InstanceStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}

	for k, v := range instanceStatusNames {
		if v == name {
			*s = k
			return nil
		}
	}

	return fmt.Errorf("unknown instance status %q", name)
}

// InstanceState is the serializable record of a workflow instance. It holds no references into
// the compiled graph: the cursor is a path of frames addressing nodes by index, and the context
// is a plain key/value document.
type InstanceState struct {
	ID string `json:"id"`

	// Workflow is the name of the workflow definition this instance executes.
	Workflow string `json:"workflow"`

	// Fingerprint identifies the compiled definition. Resuming against a changed definition fails.
	Fingerprint string `json:"fingerprint"`

	Status InstanceStatus `json:"status"`

	// ParentID is set for instances started by a call-workflow step.
	ParentID string `json:"parent_id,omitempty"`

	// RootID is the top-level instance of a call chain. Equal to ID for top-level instances.
	RootID string `json:"root_id"`

	CreatedAt time.Time `json:"created_at"`

	// Event is the triggering event.
	Event *Event `json:"event,omitempty"`

	// Context holds the bound parameters ("params"), step results ("steps"), exported values
	// ("ctx") and, once succeeded, the workflow outputs ("outputs").
	Context map[string]any `json:"context,omitempty"`

	// Path is the resume cursor, outermost frame first. Empty unless suspended.
	Path []Frame `json:"path,omitempty"`

	// Error is the terminal error message of a failed instance.
	Error string `json:"error,omitempty"`
}

// Frame records the progress of one node on the path to a suspension point.
type Frame struct {
	// Node is the index of the node in the compiled graph.
	Node int `json:"node"`

	// Index is the next child to execute for sequential blocks, the current iteration for loops
	// and the chosen branch for conditionals.
	Index int `json:"index"`

	// Attempt is the current attempt of a step under a retry policy.
	Attempt int `json:"attempt,omitempty"`

	// Scope holds the node-local bindings (loop item, iteration step results).
	Scope map[string]any `json:"scope,omitempty"`

	// Items is the collection a loop iterates over, as evaluated when the loop started.
	Items []any `json:"items,omitempty"`

	// Results holds the collected per-iteration results of a loop.
	Results []any `json:"results,omitempty"`

	// Child is the nested instance of a suspended call-workflow step.
	Child *InstanceState `json:"child,omitempty"`
}

// Suspended returns true if the state carries a resume cursor.
func (s *InstanceState) Suspended() bool {
	return len(s.Path) > 0
}

// Clone returns a deep copy of the state by round-tripping it through JSON.
func (s *InstanceState) Clone() (*InstanceState, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshaling instance state: %w", err)
	}

	var c InstanceState
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling instance state: %w", err)
	}

	return &c, nil
}
