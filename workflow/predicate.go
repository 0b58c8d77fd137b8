package workflow

type Operator string

const (
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpRegex  Operator = "regex"
	OpIn     Operator = "in"
	OpExists Operator = "exists"
	OpAbsent Operator = "absent"
	OpTruthy Operator = "truthy"
	OpGt     Operator = "gt"
	OpLt     Operator = "lt"
)

// Predicate is a test against the context. A leaf predicate compares the value at Path using Op
// (default eq) with Value; All, Any and Not combine other predicates.
type Predicate struct {
	Path  string   `yaml:"path,omitempty" json:"path,omitempty"`
	Op    Operator `yaml:"op,omitempty" json:"op,omitempty"`
	Value any      `yaml:"value,omitempty" json:"value,omitempty"`

	All []Predicate `yaml:"all,omitempty" json:"all,omitempty"`
	Any []Predicate `yaml:"any,omitempty" json:"any,omitempty"`
	Not *Predicate  `yaml:"not,omitempty" json:"not,omitempty"`
}

// Equals returns an equality predicate for the given path.
func Equals(path string, value any) Predicate {
	return Predicate{Path: path, Op: OpEq, Value: value}
}
