package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/executor"
	"github.com/cschleiden/go-automations/internal/metrickeys"
	"github.com/cschleiden/go-automations/log"
	"github.com/cschleiden/go-automations/metrics"
	"github.com/cschleiden/go-automations/registry"
	"github.com/cschleiden/go-automations/workflow"
)

// spawn registers the instance as live and queues it for execution.
func (e *Engine) spawn(state *core.InstanceState, resume *executor.Resume, snapshot *registry.Snapshot) error {
	l, err := e.instances.add(state, e.clock.Now())
	if err != nil {
		return fmt.Errorf("instance %s: %w", state.ID, err)
	}

	if err := e.worker.Submit(&task{live: l, snapshot: snapshot, state: state, resume: resume}); err != nil {
		l.cancel()
		e.instances.remove(l)

		return ErrStopped
	}

	e.metrics.Gauge(metrickeys.InstanceQueued, metrics.Tags{}, int64(e.worker.Queued()))

	return nil
}

// resume restores the instance of a claimed continuation. A nil event resumes the instance as
// timed out.
func (e *Engine) resume(c *core.Continuation, ev *core.Event) {
	var state core.InstanceState
	if err := json.Unmarshal(c.Instance, &state); err != nil {
		e.logger.Error("Could not restore suspended instance", log.InstanceIDKey, c.InstanceID, "error", err)
		return
	}

	r := &executor.Resume{
		Token:     c.Token,
		ExpiresAt: c.ExpiresAt,
	}

	if ev != nil {
		r.Event = ev
		r.Payload = ev.Payload
	} else {
		r.Expired = true
	}

	if err := e.spawn(&state, r, e.registry.Snapshot()); err != nil {
		e.logger.Error("Could not resume instance", log.InstanceIDKey, state.ID, "error", err)
	}
}

// handle executes a queued instance until it finishes or suspends.
func (e *Engine) handle(ctx context.Context, t *task) {
	defer e.instances.remove(t.live)
	defer t.live.cancel()

	e.metrics.Gauge(metrickeys.InstanceActive, metrics.Tags{}, int64(e.worker.Active()))
	e.metrics.Gauge(metrickeys.InstanceQueued, metrics.Tags{}, int64(e.worker.Queued()))

	o := e.executor.Run(t.live.ctx, t.snapshot, t.state, t.resume)
	if o.Suspension != nil {
		e.suspend(ctx, t.live, o)
	}
}

// suspend persists the continuation of a suspended instance. The instance fails if another
// continuation holds the token.
func (e *Engine) suspend(ctx context.Context, l *live, o *executor.Outcome) {
	state := o.State

	if l.ctx.Err() != nil {
		e.cancelSuspended(ctx, state)
		return
	}

	data, err := json.Marshal(state)
	if err != nil {
		e.fail(ctx, state, fmt.Errorf("serializing instance: %w", err))
		return
	}

	c := &core.Continuation{
		Token:           o.Suspension.Token,
		Key:             o.Suspension.Key,
		InstanceID:      state.ID,
		Workflow:        state.Workflow,
		Instance:        data,
		CreatedAt:       e.clock.Now(),
		ExpiresAt:       o.Suspension.ExpiresAt,
		ResumeOnTimeout: o.Suspension.ResumeOnTimeout,
		Default:         o.Suspension.Default,
	}

	// The continuation can be resumed as soon as it is stored
	e.instances.release(l)

	if err := e.store.Put(ctx, c); err != nil {
		e.fail(ctx, state, err)
		return
	}

	// Canceled while the continuation was stored
	if l.ctx.Err() != nil {
		if _, err := e.store.Cancel(ctx, state.ID); err != nil {
			e.logger.Error("Could not remove continuation of canceled instance", log.InstanceIDKey, state.ID, "error", err)
		}

		e.cancelSuspended(ctx, state)
	}
}

func (e *Engine) fail(ctx context.Context, state *core.InstanceState, err error) {
	state.Path = nil
	state.Status = core.InstanceStatusFailed
	state.Error = err.Error()

	e.logger.Warn("Instance failed", log.InstanceIDKey, state.ID, log.WorkflowNameKey, state.Workflow, "error", err)
	e.notify(ctx, executor.LifecycleFailed, state)
}

func (e *Engine) cancelSuspended(ctx context.Context, state *core.InstanceState) {
	state.Path = nil
	state.Status = core.InstanceStatusCanceled
	state.Error = workflow.ErrCanceled.Error()

	e.logger.Debug("Instance canceled", log.InstanceIDKey, state.ID)
	e.notify(ctx, executor.LifecycleCanceled, state)
}

// notify keeps the instance table current and records finished top-level instances.
func (e *Engine) notify(ctx context.Context, l executor.Lifecycle, state *core.InstanceState) {
	now := e.clock.Now()

	e.instances.update(state, now)

	tags := metrics.Tags{metrickeys.Workflow: state.Workflow}
	if state.ParentID != "" {
		tags[metrickeys.SubWorkflow] = "true"
	}

	switch l {
	case executor.LifecycleStarted:
		e.metrics.Counter(metrickeys.InstanceStarted, tags, 1)

	case executor.LifecycleSucceeded, executor.LifecycleFailed, executor.LifecycleCanceled:
		tags[metrickeys.Status] = state.Status.String()
		e.metrics.Counter(metrickeys.InstanceFinished, tags, 1)
		e.metrics.Timing(metrickeys.InstanceDuration, metrics.Tags{metrickeys.Workflow: state.Workflow}, now.Sub(state.CreatedAt))

		if state.ParentID == "" {
			e.retention.Store(state)
		}
	}

	if e.options.Observer != nil {
		e.options.Observer.Notify(ctx, l, state)
	}
}

// Cancel cancels a live or suspended instance. Canceling a nested instance cancels the top-level
// instance it belongs to.
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	if l, ok := e.instances.root(instanceID); ok {
		l.cancel()

		e.logger.Debug("Canceling live instance", log.InstanceIDKey, l.id)

		// The instance might be about to suspend
		if _, err := e.store.Cancel(ctx, l.id); err != nil {
			return fmt.Errorf("canceling instance: %w", err)
		}

		return nil
	}

	c, err := e.store.Cancel(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("canceling instance: %w", err)
	}

	if c == nil {
		return ErrInstanceNotFound
	}

	var state core.InstanceState
	if err := json.Unmarshal(c.Instance, &state); err != nil {
		return fmt.Errorf("restoring canceled instance: %w", err)
	}

	e.cancelSuspended(ctx, &state)

	return nil
}

// Instance returns a live or recently finished instance.
func (e *Engine) Instance(id string) (*Record, bool) {
	if r, ok := e.instances.record(id); ok {
		return r, true
	}

	if s, ok := e.retention.Get(id); ok {
		r := recordOf(s, s.CreatedAt)
		r.State = s
		return r, true
	}

	return nil, false
}

// Instances returns all live and recently finished instances, most recent first. Suspended
// instances are listed through their continuations.
func (e *Engine) Instances() []*Record {
	r := e.instances.list()

	for _, s := range e.retention.List() {
		rec := recordOf(s, s.CreatedAt)
		rec.State = s
		r = append(r, rec)
	}

	return r
}

// Continuations lists the pending continuations, ordered by creation.
func (e *Engine) Continuations(ctx context.Context, afterToken string, count int) ([]*core.Continuation, error) {
	return e.store.List(ctx, afterToken, count)
}

// reap resumes the instances of expired continuations as timed out.
func (e *Engine) reap(ctx context.Context) {
	t := e.clock.Ticker(e.options.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-t.C:
			expired, err := e.store.Sweep(ctx, e.clock.Now())
			if err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("Could not sweep expired continuations", "error", err)
			}

			for _, c := range expired {
				e.logger.Debug("Continuation expired", log.InstanceIDKey, c.InstanceID, log.TokenKey, c.Token)
				e.resume(c, nil)
			}
		}
	}
}
