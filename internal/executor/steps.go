package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cschleiden/go-automations/continuation"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/workflow"
)

const (
	statusSuccess  = "success"
	statusFailure  = "failure"
	statusCanceled = "canceled"
)

func stepDoc(status string, output map[string]any, err error) map[string]any {
	if output == nil {
		output = map[string]any{}
	}

	d := map[string]any{
		"status": status,
		"output": output,
	}

	if err != nil {
		d["error"] = err.Error()
	}

	return d
}

func canceled(ctx context.Context, err error) bool {
	return errors.Is(err, workflow.ErrCanceled) || ctx.Err() != nil
}

// exec executes a node under its failure policy. frames is the resume path starting at this node,
// empty unless the instance resumes.
func (r *run) exec(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame) error {
	if n == nil || len(frames) > 0 && frames[0].Node != n.ID {
		return errInvalidPath
	}

	if ctx.Err() != nil {
		return workflow.ErrCanceled
	}

	logger := r.logger.With(
		slog.String(log.StepNameKey, n.String()),
		slog.String(log.StepKindKey, string(n.Kind)),
	)

	attempt := 0
	if len(frames) > 0 {
		attempt = frames[0].Attempt
	}

	var b *backoff.ExponentialBackOff

	for {
		doc, err := r.execNode(ctx, n, s, frames, logger)
		frames = nil

		if sig, ok := isSuspended(err); ok {
			sig.frames[0].Attempt = attempt
			return err
		}

		if err == nil {
			r.record(n, s, doc)
			logger.Debug("Step completed")
			return r.export(n, s, doc)
		}

		if canceled(ctx, err) {
			r.record(n, s, stepDoc(statusCanceled, nil, workflow.ErrCanceled))
			return workflow.ErrCanceled
		}

		if doc == nil {
			doc = stepDoc(statusFailure, nil, err)
		}
		doc["attempt"] = attempt
		r.record(n, s, doc)

		p := n.Policy
		if p == nil {
			return err
		}

		if (p.Mode == workflow.FailureRetry || p.Mode == workflow.FailureFallback) && attempt < p.Retries {
			if b == nil {
				b = r.backoff(p, attempt)
			}

			delay := b.NextBackOff()
			logger.Debug("Retrying step", log.AttemptKey, attempt+1, "delay", delay, "error", err)

			if err := r.sleep(ctx, delay); err != nil {
				return workflow.ErrCanceled
			}

			attempt++
			continue
		}

		switch p.Mode {
		case workflow.FailureFallback:
			logger.Debug("Executing fallback", "error", err)
			return r.exec(ctx, r.g.Node(p.Fallback), s, nil)

		case workflow.FailureContinue:
			logger.Debug("Continuing after failed step", "error", err)
			return nil
		}

		return err
	}
}

// backoff returns the retry backoff, advanced past the given number of attempts.
func (r *run) backoff(p *compiler.Policy, attempt int) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Backoff.Initial,
		MaxInterval:         p.Backoff.Max,
		Multiplier:          p.Backoff.Multiplier,
		RandomizationFactor: 0,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               r.e.options.Clock,
	}
	b.Reset()

	for i := 0; i < attempt; i++ {
		b.NextBackOff()
	}

	return b
}

func (r *run) sleep(ctx context.Context, d time.Duration) error {
	t := r.e.options.Clock.Timer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *run) record(n *compiler.Node, s *expr.Scope, doc map[string]any) {
	if n.Name == "" || doc == nil {
		return
	}

	s.SetStep(n.Name, doc)
}

func (r *run) export(n *compiler.Node, s *expr.Scope, doc map[string]any) error {
	if len(n.Exports) == 0 {
		return nil
	}

	rs := s.Child(map[string]any{compiler.ResultVar: doc})
	for _, b := range n.Exports {
		v, err := b.Value.Resolve(rs)
		if err != nil {
			return resolutionError(n.String(), b.Key, err)
		}

		s.Export(b.Key, v)
	}

	return nil
}

func (r *run) execNode(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame, logger *slog.Logger) (map[string]any, error) {
	switch n.Kind {
	case workflow.StepKindAction:
		return r.execAction(ctx, n, s)

	case workflow.StepKindSequential:
		return r.execSequential(ctx, n, s, frames)

	case workflow.StepKindParallel:
		return r.execParallel(ctx, n, s)

	case workflow.StepKindIf:
		return r.execIf(ctx, n, s, frames)

	case workflow.StepKindLoop:
		return r.execLoop(ctx, n, s, frames)

	case workflow.StepKindWorkflow:
		return r.execCall(ctx, n, s, frames, logger)

	case workflow.StepKindSuspend:
		return r.execSuspend(n, s, frames)
	}

	return nil, fmt.Errorf("unknown step kind %q", n.Kind)
}

func (r *run) execAction(ctx context.Context, n *compiler.Node, s *expr.Scope) (map[string]any, error) {
	params, err := n.Params.Resolve(s)
	if err != nil {
		return nil, resolutionError(n.String(), "", err)
	}

	res := r.e.invoker.Invoke(ctx, n.Driver, n.Action, params.(map[string]any), n.Timeout)
	if ctx.Err() != nil {
		return nil, workflow.ErrCanceled
	}

	doc := res.Document()
	if !res.Succeeded() {
		return doc, &workflow.ActionInvocationError{
			Driver:  n.Driver,
			Action:  n.Action,
			Status:  string(res.Status),
			Message: res.Error,
		}
	}

	return doc, nil
}

// prepend adds the frame of a composite node to a suspension unwinding through it.
func prepend(err error, f core.Frame) error {
	if sig, ok := isSuspended(err); ok {
		sig.frames = append([]core.Frame{f}, sig.frames...)
	}

	return err
}

func (r *run) execSequential(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame) (map[string]any, error) {
	start := 0
	var child []core.Frame

	if len(frames) > 0 {
		start = frames[0].Index
		child = frames[1:]

		if start < 0 || start >= len(n.Children) {
			return nil, errInvalidPath
		}
	}

	for i := start; i < len(n.Children); i++ {
		err := r.exec(ctx, r.g.Node(n.Children[i]), s, child)
		child = nil

		if err != nil {
			return nil, prepend(err, core.Frame{Node: n.ID, Index: i})
		}
	}

	return stepDoc(statusSuccess, nil, nil), nil
}

func (r *run) execIf(ctx context.Context, n *compiler.Node, s *expr.Scope, frames []core.Frame) (map[string]any, error) {
	branch := -1
	var child []core.Frame

	if len(frames) > 0 {
		branch = frames[0].Index
		child = frames[1:]
	} else {
		for i, p := range n.Branches {
			ok, err := p.Eval(s)
			if err != nil {
				return nil, fmt.Errorf("step %q: evaluating condition %d: %w", n.String(), i, err)
			}

			if ok {
				branch = i
				break
			}
		}

		if branch < 0 && n.Else != compiler.NoNode {
			branch = len(n.Branches)
		}
	}

	output := map[string]any{"branch": branch}

	var target int
	switch {
	case branch < 0:
		return stepDoc(statusSuccess, output, nil), nil
	case branch < len(n.Children):
		target = n.Children[branch]
	case branch == len(n.Branches) && n.Else != compiler.NoNode:
		target = n.Else
	default:
		return nil, errInvalidPath
	}

	if err := r.exec(ctx, r.g.Node(target), s, child); err != nil {
		return nil, prepend(err, core.Frame{Node: n.ID, Index: branch})
	}

	return stepDoc(statusSuccess, output, nil), nil
}

func (r *run) execSuspend(n *compiler.Node, s *expr.Scope, frames []core.Frame) (map[string]any, error) {
	if len(frames) > 0 {
		if len(frames) != 1 || r.resume == nil {
			return nil, errInvalidPath
		}

		res := r.resume
		if res.Expired && n.OnTimeout != workflow.TimeoutResume {
			err := &workflow.ContinuationExpiredError{Token: res.Token, ExpiresAt: res.ExpiresAt}
			doc := stepDoc(statusFailure, nil, err)
			doc["timed_out"] = true
			return doc, err
		}

		payload := res.Payload
		if res.Expired {
			payload = n.Default
		}

		doc := stepDoc(statusSuccess, payload, nil)
		doc["timed_out"] = res.Expired
		if res.Event != nil {
			doc["event"] = res.Event.Document()
		}

		return doc, nil
	}

	paths := make([]string, 0, len(n.Correlate))
	values := make(map[string]any, len(n.Correlate))
	for _, c := range n.Correlate {
		v, err := c.Value.Resolve(s)
		if err != nil {
			return nil, resolutionError(n.String(), c.Path, err)
		}

		paths = append(paths, c.Path)
		values[c.Path] = v
	}

	key := core.NewCorrelationKey(n.Source, paths...)
	token, err := continuation.Token(key, values)
	if err != nil {
		return nil, fmt.Errorf("step %q: %w", n.String(), err)
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = r.e.options.SuspendTimeout
	}

	return nil, &suspended{
		frames: []core.Frame{{Node: n.ID}},
		suspension: &Suspension{
			Node:            n.ID,
			Step:            n.String(),
			Token:           token,
			Key:             key,
			ExpiresAt:       r.e.options.Clock.Now().Add(timeout),
			ResumeOnTimeout: n.OnTimeout == workflow.TimeoutResume,
			Default:         n.Default,
		},
	}
}
