package compiler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cschleiden/go-automations/workflow"
)

// Bind validates the parameters an instance is started with and applies defaults. Parameters the
// workflow does not declare are passed through.
func (g *Graph) Bind(params map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(params)+len(g.Params))
	for k, v := range params {
		bound[k] = v
	}

	for _, p := range g.Params {
		if v, ok := bound[p.Name]; ok && v != nil {
			continue
		}

		if p.Default != nil {
			bound[p.Name] = p.Default
			continue
		}

		if p.Required {
			return nil, &workflow.MissingParameterError{Workflow: g.Name, Param: p.Name}
		}
	}

	return bound, nil
}

// CheckCycles rejects workflows that can reach themselves through call-workflow steps. Every
// workflow on a cycle is reported once.
func CheckCycles(workflows map[string]*workflow.Workflow) error {
	calls := callGraph(workflows)

	names := make([]string, 0, len(workflows))
	for name := range workflows {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(workflows))
	reported := map[string]bool{}
	var errs []error

	var visit func(name string, stack []string)
	visit = func(name string, stack []string) {
		state[name] = visiting
		stack = append(stack, name)

		for _, callee := range calls[name] {
			switch state[callee] {
			case visiting:
				// Report the cycle starting at the callee
				var cycle []string
				for i, n := range stack {
					if n == callee {
						cycle = append(append([]string{}, stack[i:]...), callee)
						break
					}
				}

				for _, n := range cycle[:len(cycle)-1] {
					if !reported[n] {
						reported[n] = true
						errs = append(errs, &workflow.ConfigurationError{
							Workflow: n,
							Message:  fmt.Sprintf("circular workflow call %v", cycle),
						})
					}
				}

			case unvisited:
				if _, ok := workflows[callee]; ok {
					visit(callee, stack)
				}
			}
		}

		state[name] = done
	}

	for _, name := range names {
		if state[name] == unvisited {
			visit(name, nil)
		}
	}

	return errors.Join(errs...)
}

// Suspending returns the workflows that can suspend, either through one of their own steps or
// through a workflow they call.
func Suspending(workflows map[string]*workflow.Workflow) map[string]bool {
	suspends := map[string]bool{}
	for name, wf := range workflows {
		walkWorkflow(wf, func(s *workflow.Step) {
			if s.Suspend != nil {
				suspends[name] = true
			}
		})
	}

	calls := callGraph(workflows)
	for changed := true; changed; {
		changed = false

		for name, callees := range calls {
			if suspends[name] {
				continue
			}

			for _, callee := range callees {
				if suspends[callee] {
					suspends[name] = true
					changed = true
					break
				}
			}
		}
	}

	return suspends
}

// callGraph returns the literal call-workflow targets of every workflow, sorted.
func callGraph(workflows map[string]*workflow.Workflow) map[string][]string {
	calls := make(map[string][]string, len(workflows))
	for name, wf := range workflows {
		seen := map[string]bool{}
		walkWorkflow(wf, func(s *workflow.Step) {
			if s.Workflow != "" && !seen[s.Workflow] {
				seen[s.Workflow] = true
				calls[name] = append(calls[name], s.Workflow)
			}
		})

		sort.Strings(calls[name])
	}

	return calls
}

func walkWorkflow(wf *workflow.Workflow, fn func(s *workflow.Step)) {
	if wf == nil {
		return
	}

	walkSteps(wf.Steps, fn)

	if wf.OnFailure != nil && wf.OnFailure.Fallback != nil {
		walkStep(wf.OnFailure.Fallback, fn)
	}
}

func walkSteps(steps []workflow.Step, fn func(s *workflow.Step)) {
	for i := range steps {
		walkStep(&steps[i], fn)
	}
}

func walkStep(s *workflow.Step, fn func(s *workflow.Step)) {
	fn(s)

	walkSteps(s.Steps, fn)
	walkSteps(s.Parallel, fn)

	for i := range s.If {
		walkStep(&s.If[i].Then, fn)
	}

	if s.Else != nil {
		walkStep(s.Else, fn)
	}

	if s.Loop != nil {
		walkStep(&s.Loop.Do, fn)
	}

	if s.OnFailure != nil && s.OnFailure.Fallback != nil {
		walkStep(s.OnFailure.Fallback, fn)
	}
}
