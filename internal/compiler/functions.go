package compiler

import (
	"fmt"
	"strings"

	"github.com/cschleiden/go-automations/workflow"
)

// Target is the driver action a function call resolves to.
type Target struct {
	Driver string
	Action string

	// Defaults are merged below the step's parameters.
	Defaults map[string]any
}

// FunctionResolver resolves "system.function" call targets.
type FunctionResolver func(call string) (*Target, error)

// SystemResolver resolves calls against the declared systems. Calls to undeclared systems address
// the driver of the same name directly. When knownDriver is set, targets must name a known driver.
func SystemResolver(systems map[string]*workflow.System, knownDriver func(string) bool) FunctionResolver {
	return func(call string) (*Target, error) {
		systemName, function, ok := strings.Cut(call, ".")
		if !ok || systemName == "" || function == "" {
			return nil, fmt.Errorf("invalid call target %q, expected system.function", call)
		}

		t := &Target{
			Driver:   systemName,
			Action:   function,
			Defaults: map[string]any{},
		}

		if system, ok := systems[systemName]; ok {
			if system.Driver != "" {
				t.Driver = system.Driver
			}

			for k, v := range system.Data {
				t.Defaults[k] = v
			}

			if len(system.Functions) > 0 {
				fn, ok := system.Functions[function]
				if !ok {
					return nil, fmt.Errorf("system %q has no function %q", systemName, function)
				}

				if fn.Action != "" {
					t.Action = fn.Action
				}

				for k, v := range fn.Params {
					t.Defaults[k] = v
				}
			}
		}

		if knownDriver != nil && !knownDriver(t.Driver) {
			return nil, fmt.Errorf("call %q: unknown driver %q", call, t.Driver)
		}

		return t, nil
	}
}
