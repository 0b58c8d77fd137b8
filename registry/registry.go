package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/rules"
	"github.com/cschleiden/go-automations/workflow"
)

// Definitions is the declarative input of a load: systems, rules and workflows.
type Definitions struct {
	Systems   []*workflow.System   `yaml:"systems,omitempty" json:"systems,omitempty"`
	Rules     []*rules.Rule        `yaml:"rules,omitempty" json:"rules,omitempty"`
	Workflows []*workflow.Workflow `yaml:"workflows,omitempty" json:"workflows,omitempty"`
}

// Snapshot is an immutable, compiled set of definitions. Instances keep the snapshot they were
// started with.
type Snapshot struct {
	Version  uint64
	LoadedAt time.Time

	Systems   map[string]*workflow.System
	Workflows map[string]*workflow.Workflow
	Matcher   *rules.Matcher

	graphs map[string]*compiler.Graph
}

// Graph returns the compiled workflow with the given name.
func (s *Snapshot) Graph(name string) (*compiler.Graph, bool) {
	g, ok := s.graphs[name]
	return g, ok
}

// WorkflowNames returns the names of all compiled workflows, sorted.
func (s *Snapshot) WorkflowNames() []string {
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Registry holds the current snapshot. Reads are lock-free, loads are serialized and replace the
// snapshot atomically.
type Registry struct {
	sync.Mutex

	current atomic.Pointer[Snapshot]
	cfg     registerConfig
}

// New creates a new registry holding an empty snapshot.
func New(opts ...RegisterOption) *Registry {
	cfg := registerOptions(opts).applyRegisterOptions(registerConfig{})
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	r := &Registry{cfg: cfg}

	m, _ := rules.NewMatcher(nil, nil)
	r.current.Store(&Snapshot{
		LoadedAt:  cfg.clock.Now(),
		Systems:   map[string]*workflow.System{},
		Workflows: map[string]*workflow.Workflow{},
		Matcher:   m,
		graphs:    map[string]*compiler.Graph{},
	})

	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// Load compiles the definitions and swaps in the new snapshot. Invalid definitions are left out
// and reported as joined *workflow.ConfigurationError values; everything else stays usable. The
// new snapshot is returned in either case.
func (r *Registry) Load(defs *Definitions) (*Snapshot, error) {
	r.Lock()
	defer r.Unlock()

	s, err := r.compile(defs)

	prev := r.current.Load()
	s.Version = prev.Version + 1
	r.current.Store(s)

	r.cfg.logger.Info("Loaded definitions",
		"version", s.Version,
		"systems", len(s.Systems),
		"workflows", len(s.graphs),
		"rules", len(s.Matcher.Rules()),
	)

	if err != nil {
		r.cfg.logger.Warn("Definitions contain errors", "error", err)
	}

	return s, err
}

// Validate compiles the definitions without loading them.
func (r *Registry) Validate(defs *Definitions) error {
	_, err := r.compile(defs)
	return err
}

func (r *Registry) compile(defs *Definitions) (*Snapshot, error) {
	if defs == nil {
		defs = &Definitions{}
	}

	var errs []error

	systems := make(map[string]*workflow.System, len(defs.Systems))
	for _, s := range defs.Systems {
		switch {
		case s == nil || s.Name == "":
			errs = append(errs, &workflow.ConfigurationError{Message: "system name is required"})
		case systems[s.Name] != nil:
			errs = append(errs, &workflow.ConfigurationError{Message: fmt.Sprintf("duplicate system %q", s.Name)})
		default:
			systems[s.Name] = s
		}
	}

	workflows := make(map[string]*workflow.Workflow, len(defs.Workflows))
	for _, wf := range defs.Workflows {
		switch {
		case wf == nil || wf.Name == "":
			errs = append(errs, &workflow.ConfigurationError{Message: "workflow name is required"})
		case workflows[wf.Name] != nil:
			errs = append(errs, &workflow.ConfigurationError{Workflow: wf.Name, Message: "duplicate workflow name"})
		default:
			workflows[wf.Name] = wf
		}
	}

	// Workflows on a call cycle are invalid
	if err := compiler.CheckCycles(workflows); err != nil {
		errs = append(errs, err)
		for _, name := range configurationErrorWorkflows(err) {
			delete(workflows, name)
		}
	}

	graphs := r.compileWorkflows(workflows, systems, &errs)

	valid := make(map[string]*workflow.Workflow, len(graphs))
	for name := range graphs {
		valid[name] = workflows[name]
	}

	var rs []*rules.Rule
	for _, rule := range defs.Rules {
		if rule == nil {
			continue
		}

		if _, ok := graphs[rule.Do.Workflow]; !ok {
			errs = append(errs, &workflow.ConfigurationError{
				Rule:    rule.Name,
				Message: fmt.Sprintf("unknown or invalid workflow %q", rule.Do.Workflow),
			})
			continue
		}

		rs = append(rs, rule)
	}

	m, err := rules.NewMatcher(rs, systems)
	if err != nil {
		errs = append(errs, err)
	}

	return &Snapshot{
		LoadedAt:  r.cfg.clock.Now(),
		Systems:   systems,
		Workflows: valid,
		Matcher:   m,
		graphs:    graphs,
	}, errors.Join(errs...)
}

// compileWorkflows compiles until a fixpoint is reached: a workflow calling a workflow that
// failed to compile is invalid as well.
func (r *Registry) compileWorkflows(workflows map[string]*workflow.Workflow, systems map[string]*workflow.System, errs *[]error) map[string]*compiler.Graph {
	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	invalid := map[string]bool{}
	suspending := compiler.Suspending(workflows)
	opts := compiler.Options{
		Suspends: func(name string) bool {
			return suspending[name]
		},
		Functions: compiler.SystemResolver(systems, r.cfg.knownDriver),
		Workflows: func(name string) bool {
			_, ok := workflows[name]
			return ok && !invalid[name]
		},
	}

	for {
		graphs := make(map[string]*compiler.Graph, len(names))
		failed := false

		for _, name := range names {
			if invalid[name] {
				continue
			}

			g, err := compiler.Compile(workflows[name], opts)
			if err != nil {
				*errs = append(*errs, err)
				invalid[name] = true
				failed = true

				r.cfg.logger.Debug("Workflow failed to compile", log.WorkflowNameKey, name, "error", err)
				continue
			}

			graphs[name] = g
		}

		if !failed {
			return graphs
		}
	}
}

func configurationErrorWorkflows(err error) []string {
	var names []string

	var visit func(err error)
	visit = func(err error) {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, e := range joined.Unwrap() {
				visit(e)
			}
			return
		}

		var ce *workflow.ConfigurationError
		if errors.As(err, &ce) && ce.Workflow != "" {
			names = append(names, ce.Workflow)
		}
	}

	visit(err)

	return names
}
