package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/workflow"
)

// execCall runs the called workflow as a nested instance with its own ID and context. A
// suspending nested instance suspends its parent, the nested state travels in the parent's frame.
func (r *run) execCall(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame, logger *slog.Logger) (map[string]any, error) {
	g, ok := r.prog.Graph(n.Workflow)
	if !ok {
		return nil, fmt.Errorf("step %q: unknown workflow %q", n.String(), n.Workflow)
	}

	var child *core.InstanceState
	var resume *Resume

	if len(frames) > 0 {
		if len(frames) != 1 || frames[0].Child == nil {
			return nil, errInvalidPath
		}

		child = frames[0].Child
		resume = r.resume
	} else {
		params, err := n.Params.Resolve(s)
		if err != nil {
			return nil, resolutionError(n.String(), "", err)
		}

		bound, err := g.Bind(params.(map[string]any))
		if err != nil {
			return nil, err
		}

		child = NewInstance(r.e.newID(), g, r.state.Event, bound, r.e.options.Clock.Now())
		child.ParentID = r.state.ID
		child.RootID = r.state.RootID

		logger.Debug("Starting nested instance", log.InstanceIDKey, child.ID)
	}

	o := r.e.Run(ctx, r.prog, child, resume)

	switch {
	case o.Suspension != nil:
		return nil, &suspended{
			frames:     []core.Frame{{Node: n.ID, Child: child}},
			suspension: o.Suspension,
		}

	case o.Err != nil:
		if canceled(ctx, o.Err) {
			return nil, workflow.ErrCanceled
		}

		err := fmt.Errorf("workflow %q (instance %s): %w", n.Workflow, child.ID, o.Err)
		doc := stepDoc(statusFailure, nil, err)
		doc["instance_id"] = child.ID

		return doc, err
	}

	var output map[string]any
	if len(g.Outputs) > 0 {
		output, _ = child.Context["outputs"].(map[string]any)
	} else {
		output = child.Context
	}

	doc := stepDoc(statusSuccess, output, nil)
	doc["instance_id"] = child.ID

	return doc, nil
}
