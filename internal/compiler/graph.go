package compiler

import (
	"time"

	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/workflow"
)

// NoNode marks an absent node reference.
const NoNode = -1

// Graph is the executable form of a workflow. Nodes are addressed by their index, which is
// assigned by a deterministic pre-order walk of the definition and therefore stable for a given
// definition.
type Graph struct {
	Name string

	// Fingerprint identifies the definition the graph was compiled from.
	Fingerprint string

	// Root is the sequential block over the workflow's steps.
	Root int

	Nodes []*Node

	Params  []workflow.Param
	Outputs []Binding

	// Calls lists the workflows referenced by call-workflow steps.
	Calls []string
}

func (g *Graph) Node(id int) *Node {
	if id < 0 || id >= len(g.Nodes) {
		return nil
	}

	return g.Nodes[id]
}

type Node struct {
	ID   int
	Kind workflow.StepKind

	// Name is the step's output key, empty for anonymous steps.
	Name string

	// Location describes the position of the step in the definition, e.g. "steps[1].parallel[0]".
	Location string

	// Children are the nodes of a sequential or parallel block, or the branch targets of a
	// conditional.
	Children []int

	// Action-call
	Call    string
	Driver  string
	Action  string
	Params  expr.Value
	Timeout time.Duration

	// Parallel
	Join     workflow.JoinMode
	Quorum   int
	FailFast bool

	// Conditional, Branches[i] guards Children[i]
	Branches []expr.Predicate
	Else     int

	// Loop
	Over  expr.Value
	Times int
	Until expr.Predicate
	As    string
	Max   int
	Body  int

	// Call-workflow, parameters are in Params
	Workflow string

	// Suspend, the expiry is in Timeout
	Correlate []Correlation
	Source    string
	OnTimeout workflow.TimeoutAction
	Default   map[string]any

	Exports []Binding

	Policy *Policy
}

func (n *Node) String() string {
	if n.Name != "" {
		return n.Name
	}

	return n.Location
}

type Binding struct {
	Key   string
	Value expr.Value
}

// Correlation binds a path of the resuming event to a value computed at suspension time.
type Correlation struct {
	Path  string
	Value expr.Value
}

type Policy struct {
	Mode     workflow.FailureMode
	Retries  int
	Backoff  workflow.Backoff
	Fallback int
}
