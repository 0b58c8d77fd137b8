package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/driver"
	"github.com/cschleiden/go-automations/driver/drivertest"
	"github.com/cschleiden/go-automations/internal/compiler"
	"github.com/cschleiden/go-automations/internal/metrics"
	"github.com/cschleiden/go-automations/workflow"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type program map[string]*compiler.Graph

func (p program) Graph(name string) (*compiler.Graph, bool) {
	g, ok := p[name]
	return g, ok
}

func compile(t *testing.T, wfs ...*workflow.Workflow) program {
	t.Helper()

	p := program{}
	for _, wf := range wfs {
		g, err := compiler.Compile(wf, compiler.Options{})
		require.NoError(t, err)
		p[wf.Name] = g
	}

	return p
}

func newExecutor(t *testing.T, options Options, drivers ...driver.Driver) *Executor {
	t.Helper()

	r := driver.NewRegistry()
	for _, d := range drivers {
		require.NoError(t, r.Register(d))
	}

	return New(driver.NewInvoker(r, metrics.NewNoopMetricsClient()), options)
}

var testEvent = &core.Event{
	ID:      "e1",
	Source:  "chat",
	Type:    "slash_command",
	Payload: map[string]any{"command": "/deploy", "text": "api"},
}

func start(t *testing.T, e *Executor, p program, name string, params map[string]any) *Outcome {
	t.Helper()

	bound, err := p[name].Bind(params)
	require.NoError(t, err)

	state := NewInstance("i1", p[name], testEvent, bound, time.Now())
	return e.Run(context.Background(), p, state, nil)
}

func steps(o *Outcome) map[string]any {
	return o.State.Context["steps"].(map[string]any)
}

func step(o *Outcome, name string) map[string]any {
	return steps(o)[name].(map[string]any)
}

func Test_Executor_SequentialHaltsOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("ops").
		Echo("a").
		Respond("b", driver.Failure("boom")).
		Echo("c")

	p := compile(t, &workflow.Workflow{
		Name: "seq",
		Steps: []workflow.Step{
			{Name: "a", Call: "ops.a"},
			{Name: "b", Call: "ops.b"},
			{Name: "c", Call: "ops.c"},
		},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "seq", nil)

	require.Equal(t, core.InstanceStatusFailed, o.State.Status)
	var aie *workflow.ActionInvocationError
	require.ErrorAs(t, o.Err, &aie)
	require.Equal(t, "b", aie.Action)

	require.Len(t, d.Calls("a"), 1)
	require.Len(t, d.Calls("b"), 1)
	require.Empty(t, d.Calls("c"))

	require.Equal(t, "success", step(o, "a")["status"])
	require.Equal(t, "failure", step(o, "b")["status"])
	require.Equal(t, "boom", step(o, "b")["error"])
	require.NotContains(t, steps(o), "c")
}

func Test_Executor_ParametersAndExports(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("chat").
		Respond("post", driver.Success(map[string]any{"ts": "123"})).
		Echo("reply")

	p := compile(t, &workflow.Workflow{
		Name:   "notify",
		Params: []workflow.Param{{Name: "service", Required: true}},
		Steps: []workflow.Step{
			{
				Name:   "post",
				Call:   "chat.post",
				With:   map[string]any{"text": "deploying ${params.service} for ${payload.command}"},
				Export: map[string]string{"thread": "${result.output.ts}"},
			},
			{
				Name: "reply",
				Call: "chat.reply",
				With: map[string]any{"thread": "${ctx.thread}", "ts": "${steps.post.output.ts}", "missing": "${payload.channel?}"},
			},
		},
		Outputs: map[string]string{"thread": "ctx.thread"},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "notify", map[string]any{"service": "api"})
	require.NoError(t, o.Err)
	require.Equal(t, core.InstanceStatusSucceeded, o.State.Status)

	require.Equal(t, "deploying api for /deploy", d.Calls("post")[0].Params["text"])
	require.Equal(t, map[string]any{"thread": "123", "ts": "123", "missing": nil}, d.Calls("reply")[0].Params)
	require.Equal(t, map[string]any{"thread": "123"}, o.State.Context["outputs"])
}

func Test_Executor_ParameterResolutionError(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("chat").Echo("post")

	p := compile(t, &workflow.Workflow{
		Name: "missing",
		Steps: []workflow.Step{
			{Name: "post", Call: "chat.post", With: map[string]any{"text": "${payload.user.name}"}},
		},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "missing", nil)
	require.Equal(t, core.InstanceStatusFailed, o.State.Status)

	var pre *workflow.ParameterResolutionError
	require.ErrorAs(t, o.Err, &pre)
	require.Equal(t, "payload.user.name", pre.Path)
	require.Empty(t, d.Calls())
}

func Test_Executor_Conditional(t *testing.T) {
	defer goleak.VerifyNone(t)

	wf := &workflow.Workflow{
		Name: "cond",
		Steps: []workflow.Step{{
			Name: "route",
			If: []workflow.Branch{
				{When: workflow.Equals("payload.command", "/rollback"), Then: workflow.Step{Name: "rollback", Call: "ops.rollback"}},
				{When: workflow.Equals("payload.command", "/deploy"), Then: workflow.Step{Name: "deploy", Call: "ops.deploy"}},
			},
			Else: &workflow.Step{Name: "help", Call: "ops.help"},
		}},
	}

	d := drivertest.New("ops").Echo("rollback").Echo("deploy").Echo("help")
	o := start(t, newExecutor(t, Options{}, d), compile(t, wf), "cond", nil)
	require.NoError(t, o.Err)

	require.Len(t, d.Calls("deploy"), 1)
	require.Empty(t, d.Calls("rollback"))
	require.Empty(t, d.Calls("help"))
	require.Equal(t, 1, step(o, "route")["output"].(map[string]any)["branch"])
}

func Test_Executor_ParallelJoinAll(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("ci").Echo("lint").Echo("test").Echo("build")

	p := compile(t, &workflow.Workflow{
		Name: "checks",
		Steps: []workflow.Step{
			{
				Name: "checks",
				Parallel: []workflow.Step{
					{Name: "lint", Call: "ci.lint", With: map[string]any{"n": 1}},
					{Name: "test", Call: "ci.test", With: map[string]any{"n": 2}},
					{Name: "build", Call: "ci.build", With: map[string]any{"n": 3}},
				},
			},
			{Name: "report", Call: "ci.lint", With: map[string]any{"sum": "${steps.lint.output.n}-${steps.test.output.n}-${steps.build.output.n}"}},
		},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "checks", nil)
	require.NoError(t, o.Err)

	for _, name := range []string{"lint", "test", "build", "report"} {
		require.Equal(t, "success", step(o, name)["status"], name)
	}

	require.Equal(t, "1-2-3", step(o, "report")["output"].(map[string]any)["sum"])
	require.Equal(t, 3, step(o, "checks")["output"].(map[string]any)["succeeded"])
}

func Test_Executor_ParallelJoinAllWaitsForEveryChild(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	d := drivertest.New("ci").
		Respond("lint", driver.Failure("lint failed")).
		On("test", func(ctx context.Context, _ map[string]any) (*driver.Result, error) {
			<-release
			return driver.Success(nil), nil
		})

	p := compile(t, &workflow.Workflow{
		Name: "checks",
		Steps: []workflow.Step{{
			Name:     "checks",
			Parallel: []workflow.Step{{Name: "lint", Call: "ci.lint"}, {Name: "test", Call: "ci.test"}},
		}},
	})

	done := make(chan *Outcome)
	go func() {
		done <- start(t, newExecutor(t, Options{}, d), p, "checks", nil)
	}()

	select {
	case <-done:
		t.Fatal("parallel block completed before all children")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	o := <-done

	require.Equal(t, core.InstanceStatusFailed, o.State.Status)
	require.Equal(t, "success", step(o, "test")["status"])
	require.Equal(t, "failure", step(o, "lint")["status"])
}

func Test_Executor_ParallelJoinAnyCancelsRemaining(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("dns").
		Block("slow").
		Respond("fast", driver.Success(map[string]any{"ip": "10.0.0.1"}))

	p := compile(t, &workflow.Workflow{
		Name: "resolve",
		Steps: []workflow.Step{{
			Name:     "resolve",
			Join:     workflow.JoinAny,
			Parallel: []workflow.Step{{Name: "slow", Call: "dns.slow"}, {Name: "fast", Call: "dns.fast"}},
		}},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "resolve", nil)
	require.NoError(t, o.Err)

	require.Equal(t, "success", step(o, "fast")["status"])
	require.Equal(t, "canceled", step(o, "slow")["status"])
}

func Test_Executor_ParallelQuorumUnreachable(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("vote").
		Respond("a", driver.Failure("no")).
		Block("b").
		Block("c")

	p := compile(t, &workflow.Workflow{
		Name: "vote",
		Steps: []workflow.Step{{
			Name:     "vote",
			Join:     workflow.JoinQuorum,
			Quorum:   3,
			Parallel: []workflow.Step{{Name: "a", Call: "vote.a"}, {Name: "b", Call: "vote.b"}, {Name: "c", Call: "vote.c"}},
		}},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "vote", nil)
	require.Equal(t, core.InstanceStatusFailed, o.State.Status)
	require.Equal(t, "canceled", step(o, "b")["status"])
	require.Equal(t, "canceled", step(o, "c")["status"])
}

func Test_Executor_LoopIterationsAreIsolated(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("cloud").Echo("restart")

	p := compile(t, &workflow.Workflow{
		Name: "restart",
		Steps: []workflow.Step{{
			Name: "each",
			Loop: &workflow.Loop{
				Over: "params.services",
				As:   "service",
				Do: workflow.Step{
					Name: "restart",
					Call: "cloud.restart",
					With: map[string]any{"name": "${service}", "position": "${index}"},
				},
			},
		}},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "restart", map[string]any{"services": []any{"api", "web", "worker"}})
	require.NoError(t, o.Err)

	calls := d.Calls("restart")
	require.Len(t, calls, 3)
	for i, name := range []string{"api", "web", "worker"} {
		require.Equal(t, name, calls[i].Params["name"])
		require.Equal(t, i, calls[i].Params["position"])
	}

	require.NotContains(t, steps(o), "restart")

	iterations := step(o, "each")["iterations"].([]any)
	require.Len(t, iterations, 3)
	for i, name := range []string{"api", "web", "worker"} {
		it := iterations[i].(map[string]any)["restart"].(map[string]any)
		require.Equal(t, name, it["output"].(map[string]any)["name"])
	}
}

func Test_Executor_LoopOverMapAndUntil(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("cloud").
		Respond("scale", driver.Success(map[string]any{"ready": false}), driver.Success(map[string]any{"ready": true}))

	p := compile(t, &workflow.Workflow{
		Name: "scale",
		Steps: []workflow.Step{{
			Name: "each",
			Loop: &workflow.Loop{
				Over:  "params.regions",
				Until: &workflow.Predicate{Path: "steps.scale.output.ready", Op: workflow.OpTruthy},
				Do:    workflow.Step{Name: "scale", Call: "cloud.scale", With: map[string]any{"region": "${item.key}", "size": "${item.value}"}},
			},
		}},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "scale", map[string]any{"regions": map[string]any{"us": 3, "eu": 2, "ap": 1}})
	require.NoError(t, o.Err)

	calls := d.Calls("scale")
	require.Len(t, calls, 2)
	require.Equal(t, "ap", calls[0].Params["region"])
	require.Equal(t, "eu", calls[1].Params["region"])
}

func Test_Executor_LoopLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("ops").Echo("tick")

	p := compile(t, &workflow.Workflow{
		Name: "forever",
		Steps: []workflow.Step{{
			Name: "poll",
			Loop: &workflow.Loop{
				Until: &workflow.Predicate{Path: "steps.tick.output.done", Op: workflow.OpTruthy},
				Do:    workflow.Step{Name: "tick", Call: "ops.tick"},
			},
		}},
	})

	o := start(t, newExecutor(t, Options{MaxLoopIterations: 5}, d), p, "forever", nil)

	var lle *workflow.LoopLimitError
	require.ErrorAs(t, o.Err, &lle)
	require.Equal(t, 5, lle.Limit)
	require.Len(t, d.Calls("tick"), 5)
}

func Test_Executor_RetryWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := clock.NewMock()
	d := drivertest.New("cloud").Respond("deploy",
		driver.Failure("unavailable"),
		driver.Failure("unavailable"),
		driver.Success(map[string]any{"version": "2"}),
	)

	p := compile(t, &workflow.Workflow{
		Name: "deploy",
		Steps: []workflow.Step{{
			Name: "deploy",
			Call: "cloud.deploy",
			OnFailure: &workflow.FailurePolicy{
				Mode:    workflow.FailureRetry,
				Retries: 3,
				Backoff: &workflow.Backoff{Initial: time.Second, Multiplier: 2},
			},
		}},
	})

	e := newExecutor(t, Options{Clock: c}, d)

	done := make(chan *Outcome)
	go func() {
		done <- start(t, e, p, "deploy", nil)
	}()

	var o *Outcome
	for o == nil {
		select {
		case o = <-done:
		case <-time.After(time.Millisecond):
			c.Add(time.Second)
		}
	}

	require.NoError(t, o.Err)
	require.Len(t, d.Calls("deploy"), 3)
	require.Equal(t, "2", step(o, "deploy")["output"].(map[string]any)["version"])
}

func Test_Executor_FallbackAndContinue(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := drivertest.New("ops").
		Respond("primary", driver.Failure("down")).
		Respond("flaky", driver.Failure("flaky")).
		Echo("secondary").
		Echo("after")

	p := compile(t, &workflow.Workflow{
		Name: "policies",
		Steps: []workflow.Step{
			{
				Name: "primary",
				Call: "ops.primary",
				OnFailure: &workflow.FailurePolicy{
					Mode:     workflow.FailureFallback,
					Fallback: &workflow.Step{Name: "secondary", Call: "ops.secondary"},
				},
			},
			{Name: "flaky", Call: "ops.flaky", OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureContinue}},
			{Name: "after", Call: "ops.after", With: map[string]any{"flaky": "${steps.flaky.status}"}},
		},
	})

	o := start(t, newExecutor(t, Options{}, d), p, "policies", nil)
	require.NoError(t, o.Err)

	require.Equal(t, "failure", step(o, "primary")["status"])
	require.Equal(t, "success", step(o, "secondary")["status"])
	require.Equal(t, "failure", d.Calls("after")[0].Params["flaky"])
}

func Test_Executor_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	entered := make(chan struct{})
	d := drivertest.New("ops").On("wait", func(ctx context.Context, _ map[string]any) (*driver.Result, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p := compile(t, &workflow.Workflow{
		Name:  "wait",
		Steps: []workflow.Step{{Name: "wait", Call: "ops.wait", OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureContinue}}},
	})

	e := newExecutor(t, Options{}, d)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Outcome)
	go func() {
		done <- e.Run(ctx, p, NewInstance("i1", p["wait"], testEvent, nil, time.Now()), nil)
	}()

	<-entered
	cancel()

	o := <-done
	require.ErrorIs(t, o.Err, workflow.ErrCanceled)
	require.Equal(t, core.InstanceStatusCanceled, o.State.Status)
}

func approvalWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name:   "approval",
		Params: []workflow.Param{{Name: "service", Required: true}},
		Steps: []workflow.Step{
			{Name: "post", Call: "chat.post", With: map[string]any{"text": "approve ${params.service}?"}},
			{
				Name: "approve",
				Suspend: &workflow.Suspend{
					Source:    "chat",
					Correlate: map[string]string{"payload.message_id": "${steps.post.output.ts}"},
					Timeout:   time.Hour,
					Default:   map[string]any{"action": "reject", "user": "timeout"},
				},
			},
			{
				Name: "gate",
				If: []workflow.Branch{{
					When: workflow.Equals("steps.approve.output.action", "approve"),
					Then: workflow.Step{Name: "deploy", Call: "cloud.deploy", With: map[string]any{"service": "${params.service}"}},
				}},
			},
		},
		Outputs: map[string]string{"approved_by": "${steps.approve.output.user}"},
	}
}

// roundTrip simulates persisting the suspended state.
func roundTrip(t *testing.T, s *core.InstanceState) *core.InstanceState {
	t.Helper()

	b, err := json.Marshal(s)
	require.NoError(t, err)

	var r core.InstanceState
	require.NoError(t, json.Unmarshal(b, &r))

	return &r
}

func Test_Executor_SuspendResume(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := clock.NewMock()
	chat := drivertest.New("chat").Respond("post", driver.Success(map[string]any{"ts": "1700.01"}))
	cloud := drivertest.New("cloud").Echo("deploy")

	p := compile(t, approvalWorkflow())
	e := newExecutor(t, Options{Clock: c}, chat, cloud)

	o := start(t, e, p, "approval", map[string]any{"service": "api"})
	require.NoError(t, o.Err)
	require.Equal(t, core.InstanceStatusSuspended, o.State.Status)
	require.NotNil(t, o.Suspension)
	require.Equal(t, `chat|payload.message_id="1700.01"`, o.Suspension.Token)
	require.Equal(t, core.NewCorrelationKey("chat", "payload.message_id"), o.Suspension.Key)
	require.Equal(t, c.Now().Add(time.Hour), o.Suspension.ExpiresAt)

	state := roundTrip(t, o.State)

	click := &core.Event{
		ID:      "e2",
		Source:  "chat",
		Type:    "button",
		Payload: map[string]any{"message_id": "1700.01", "action": "approve", "user": "sam"},
	}

	o = e.Run(context.Background(), p, state, &Resume{Event: click, Payload: click.Payload})
	require.NoError(t, o.Err)
	require.Equal(t, core.InstanceStatusSucceeded, o.State.Status)
	require.Empty(t, o.State.Path)

	// Nothing before the cursor ran again
	require.Len(t, chat.Calls("post"), 1)
	require.Len(t, cloud.Calls("deploy"), 1)
	require.Equal(t, "api", cloud.Calls("deploy")[0].Params["service"])
	require.Equal(t, map[string]any{"approved_by": "sam"}, o.State.Context["outputs"])
}

func Test_Executor_SuspendExpired(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name      string
		onTimeout workflow.TimeoutAction
		status    core.InstanceStatus
	}{
		{"fail", workflow.TimeoutFail, core.InstanceStatusFailed},
		{"resume", workflow.TimeoutResume, core.InstanceStatusSucceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := approvalWorkflow()
			wf.Steps[1].Suspend.OnTimeout = tt.onTimeout

			chat := drivertest.New("chat").Respond("post", driver.Success(map[string]any{"ts": "1"}))
			cloud := drivertest.New("cloud").Echo("deploy")
			p := compile(t, wf)
			e := newExecutor(t, Options{}, chat, cloud)

			o := start(t, e, p, "approval", map[string]any{"service": "api"})
			require.NotNil(t, o.Suspension)

			o = e.Run(context.Background(), p, roundTrip(t, o.State), &Resume{Expired: true, Token: o.Suspension.Token})
			require.Equal(t, tt.status, o.State.Status)

			if tt.onTimeout == workflow.TimeoutFail {
				var cee *workflow.ContinuationExpiredError
				require.ErrorAs(t, o.Err, &cee)
				return
			}

			require.Equal(t, map[string]any{"approved_by": "timeout"}, o.State.Context["outputs"])
			require.Empty(t, cloud.Calls("deploy"))
		})
	}
}

func Test_Executor_ResumeAgainstChangedDefinition(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := drivertest.New("chat").Respond("post", driver.Success(map[string]any{"ts": "1"}))
	p := compile(t, approvalWorkflow())
	e := newExecutor(t, Options{}, chat)

	o := start(t, e, p, "approval", map[string]any{"service": "api"})
	require.NotNil(t, o.Suspension)

	changed := approvalWorkflow()
	changed.Steps = append(changed.Steps, workflow.Step{Name: "extra", Call: "chat.post"})

	o = e.Run(context.Background(), compile(t, changed), roundTrip(t, o.State), &Resume{Payload: map[string]any{}})
	require.ErrorIs(t, o.Err, workflow.ErrDefinitionChanged)
	require.Equal(t, core.InstanceStatusFailed, o.State.Status)
}

func Test_Executor_SuspendInsideLoop(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := drivertest.New("chat").Echo("ask").Echo("done")

	p := compile(t, &workflow.Workflow{
		Name: "survey",
		Steps: []workflow.Step{
			{
				Name: "each",
				Loop: &workflow.Loop{
					Over: "params.questions",
					Do: workflow.Step{Steps: []workflow.Step{
						{Name: "ask", Call: "chat.ask", With: map[string]any{"q": "${item}"}},
						{Name: "answer", Suspend: &workflow.Suspend{Correlate: map[string]string{"payload.question": "${item}"}}},
					}},
				},
			},
			{Name: "done", Call: "chat.done", With: map[string]any{"first": "${steps.each.iterations.0.answer.output.text}"}},
		},
	})

	e := newExecutor(t, Options{}, chat)
	o := start(t, e, p, "survey", map[string]any{"questions": []any{"q1", "q2"}})

	for _, q := range []string{"q1", "q2"} {
		require.NotNil(t, o.Suspension)
		require.Equal(t, `|payload.question="`+q+`"`, o.Suspension.Token)

		payload := map[string]any{"question": q, "text": "answer " + q}
		o = e.Run(context.Background(), p, roundTrip(t, o.State), &Resume{Payload: payload})
	}

	require.NoError(t, o.Err)
	require.Len(t, chat.Calls("ask"), 2)
	require.Equal(t, "answer q1", chat.Calls("done")[0].Params["first"])
	require.Len(t, step(o, "each")["iterations"], 2)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) Notify(_ context.Context, l Lifecycle, s *core.InstanceState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	parent := ""
	if s.ParentID != "" {
		parent = "child "
	}

	r.events = append(r.events, parent+s.Workflow+" "+string(l))
}

func Test_Executor_CallWorkflow(t *testing.T) {
	defer goleak.VerifyNone(t)

	chat := drivertest.New("chat").Respond("post", driver.Success(map[string]any{"ts": "9"}))
	cloud := drivertest.New("cloud").Echo("deploy")

	p := compile(t,
		approvalWorkflow(),
		&workflow.Workflow{
			Name: "release",
			Steps: []workflow.Step{
				{Name: "ask", Workflow: "approval", With: map[string]any{"service": "${payload.text}"}},
				{Name: "log", Call: "cloud.deploy", With: map[string]any{"by": "${steps.ask.output.approved_by}"}},
			},
		},
	)

	obs := &recordingObserver{}
	e := newExecutor(t, Options{Observer: obs}, chat, cloud)

	o := start(t, e, p, "release", nil)
	require.NotNil(t, o.Suspension)
	require.Equal(t, core.InstanceStatusSuspended, o.State.Status)

	frames := o.State.Path
	require.NotNil(t, frames[len(frames)-1].Child)
	child := frames[len(frames)-1].Child
	require.Equal(t, "i1", child.ParentID)
	require.Equal(t, "i1", child.RootID)
	require.Equal(t, core.InstanceStatusSuspended, child.Status)

	o = e.Run(context.Background(), p, roundTrip(t, o.State), &Resume{Payload: map[string]any{"action": "approve", "user": "kim"}})
	require.NoError(t, o.Err)

	deploys := cloud.Calls("deploy")
	require.Len(t, deploys, 2)
	require.Equal(t, "api", deploys[0].Params["service"])
	require.Equal(t, "kim", deploys[1].Params["by"])

	require.Equal(t, []string{
		"release started",
		"child approval started",
		"child approval suspended",
		"release suspended",
		"release resumed",
		"child approval resumed",
		"child approval succeeded",
		"release succeeded",
	}, obs.events)
}

func Test_Executor_CallWorkflowFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	ops := drivertest.New("ops").Respond("fail", driver.Failure("nope"))

	p := compile(t,
		&workflow.Workflow{Name: "inner", Steps: []workflow.Step{{Name: "fail", Call: "ops.fail"}}},
		&workflow.Workflow{Name: "outer", Steps: []workflow.Step{{Name: "call", Workflow: "inner"}}},
	)

	o := start(t, newExecutor(t, Options{}, ops), p, "outer", nil)
	require.Equal(t, core.InstanceStatusFailed, o.State.Status)

	var aie *workflow.ActionInvocationError
	require.True(t, errors.As(o.Err, &aie))
	require.Equal(t, "failure", step(o, "call")["status"])
}
