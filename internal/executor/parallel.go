package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/workflow"
)

type branchResult struct {
	index int
	err   error
}

// execParallel runs the children concurrently, each in its own scope layer. Once the join
// condition is decided the remaining children are canceled and awaited, then the branch scopes
// are merged into s in child order.
func (r *run) execParallel(ctx context.Context, n *compiler.Node, s *expr.Scope) (map[string]any, error) {
	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scopes := make([]*expr.Scope, len(n.Children))
	results := make(chan branchResult, len(n.Children))

	for i, id := range n.Children {
		scopes[i] = s.Child(map[string]any{
			expr.StepsKey:   map[string]any{},
			expr.ContextKey: map[string]any{},
		})

		go func(i int, node *compiler.Node) {
			results <- branchResult{index: i, err: r.exec(bctx, node, scopes[i], nil)}
		}(i, r.g.Node(id))
	}

	required := len(n.Children)
	switch n.Join {
	case workflow.JoinAny:
		required = 1
	case workflow.JoinQuorum:
		required = n.Quorum
	}

	errs := make([]error, len(n.Children))
	succeeded, failed := 0, 0
	decided := false
	var joinErr error

	for pending := len(n.Children); pending > 0; pending-- {
		br := <-results
		errs[br.index] = br.err

		if decided {
			continue
		}

		if br.err == nil {
			succeeded++
		} else {
			failed++
		}

		switch {
		case succeeded >= required:
			decided = true

		case br.err != nil && n.FailFast:
			decided = true
			joinErr = br.err

		case n.Join != workflow.JoinAll && failed > len(n.Children)-required:
			// The join condition can no longer be met
			decided = true
			joinErr = br.err
		}

		if decided {
			cancel()
		}
	}

	for i := range scopes {
		s.Merge(scopes[i])
	}

	if ctx.Err() != nil {
		return nil, workflow.ErrCanceled
	}

	if n.Join == workflow.JoinAll && joinErr == nil {
		for _, err := range errs {
			if err != nil {
				joinErr = err
				break
			}
		}
	}

	output := map[string]any{
		"succeeded": count(errs, func(err error) bool { return err == nil }),
		"failed":    count(errs, func(err error) bool { return err != nil && !errors.Is(err, workflow.ErrCanceled) }),
		"canceled":  count(errs, func(err error) bool { return errors.Is(err, workflow.ErrCanceled) }),
	}

	if joinErr != nil {
		if n.Join != workflow.JoinAll {
			joinErr = fmt.Errorf("%d of %d branches succeeded, %d required: %w", succeeded, len(n.Children), required, joinErr)
		}

		return stepDoc(statusFailure, output, joinErr), joinErr
	}

	return stepDoc(statusSuccess, output, nil), nil
}

func count(errs []error, fn func(error) bool) int {
	c := 0
	for _, err := range errs {
		if fn(err) {
			c++
		}
	}

	return c
}
