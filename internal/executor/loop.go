package executor

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/workflow"
)

// execLoop runs the body once per iteration in a fresh scope layer holding the loop variable, the
// index and the iteration's step results. Iteration results are collected in order and never
// leak into the enclosing scope.
func (r *run) execLoop(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame) (map[string]any, error) {
	limit := r.e.options.MaxLoopIterations
	if n.Max > 0 && n.Max < limit {
		limit = n.Max
	}

	start := 0
	results := []any{}
	var items []any
	var vars map[string]any
	var child []core.Frame

	if len(frames) > 0 {
		f := frames[0]
		start = f.Index
		items = f.Items
		vars = f.Scope
		child = frames[1:]

		if f.Results != nil {
			results = f.Results
		}

		if vars == nil {
			return nil, errInvalidPath
		}
	} else if n.Over != nil {
		v, err := n.Over.Resolve(s)
		if err != nil {
			return nil, resolutionError(n.String(), "over", err)
		}

		items, err = collection(v)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", n.String(), err)
		}
	}

	iterations := -1
	switch {
	case n.Over != nil:
		iterations = len(items)
	case n.Times > 0:
		iterations = n.Times
	}

	body := r.g.Node(n.Body)

	for i := start; iterations < 0 || i < iterations; i++ {
		if i >= limit {
			return nil, &workflow.LoopLimitError{Step: n.String(), Limit: limit}
		}

		if vars == nil {
			var item any = i
			if n.Over != nil {
				item = items[i]
			}

			vars = map[string]any{
				n.As:              item,
				compiler.IndexVar: i,
				expr.StepsKey:     map[string]any{},
				expr.ContextKey:   map[string]any{},
			}
		}

		is := s.Child(vars)

		if err := r.exec(ctx, body, is, child); err != nil {
			return nil, prepend(err, core.Frame{
				Node:    n.ID,
				Index:   i,
				Items:   items,
				Scope:   vars,
				Results: results,
			})
		}

		child = nil
		results = append(results, vars[expr.StepsKey])
		vars = nil

		if n.Until != nil {
			done, err := n.Until.Eval(is)
			if err != nil {
				return nil, fmt.Errorf("step %q: evaluating until: %w", n.String(), err)
			}

			if done {
				break
			}
		}
	}

	doc := stepDoc(statusSuccess, map[string]any{"count": len(results)}, nil)
	doc["iterations"] = results

	return doc, nil
}

// collection returns the items of a list, or the entries of a map in key order as
// {"key": k, "value": v}.
func collection(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		items := make([]any, len(keys))
		for i, k := range keys {
			items[i] = map[string]any{"key": k, "value": t[k]}
		}

		return items, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		items := make([]any, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}

		return items, nil
	}

	return nil, fmt.Errorf("cannot iterate over %T", v)
}
