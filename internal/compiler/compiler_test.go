package compiler

import (
	"testing"

	"github.com/cschleiden/go-automations/workflow"
	"github.com/stretchr/testify/require"
)

func deployWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name:   "deploy",
		Params: []workflow.Param{{Name: "service", Required: true}, {Name: "channel", Default: "#ops"}},
		Steps: []workflow.Step{
			{Name: "announce", Call: "chat.post", With: map[string]any{"channel": "${params.channel}", "text": "deploying ${params.service}"}},
			{
				Name:     "checks",
				Parallel: []workflow.Step{{Name: "lint", Call: "ci.run"}, {Name: "test", Call: "ci.run"}},
			},
			{
				Name: "approve",
				Suspend: &workflow.Suspend{
					Correlate: map[string]string{"payload.message_id": "${steps.announce.output.ts}"},
				},
			},
			{
				Name: "gate",
				If: []workflow.Branch{{
					When: workflow.Equals("steps.approve.output.action", "approve"),
					Then: workflow.Step{Name: "rollout", Call: "cloud.deploy", With: map[string]any{"service": "${params.service}"}},
				}},
				Else: &workflow.Step{Name: "reject", Call: "chat.post"},
			},
		},
		Outputs: map[string]string{"approved_by": "steps.approve.output.user"},
	}
}

func Test_Compile_Graph(t *testing.T) {
	g, err := Compile(deployWorkflow(), Options{})
	require.NoError(t, err)

	require.Equal(t, 0, g.Root)

	// Pre-order: root, announce, checks, lint, test, approve, gate, rollout, reject
	var names []string
	for _, n := range g.Nodes {
		names = append(names, n.Name)
	}
	require.Equal(t, []string{"", "announce", "checks", "lint", "test", "approve", "gate", "rollout", "reject"}, names)

	for i, n := range g.Nodes {
		require.Equal(t, i, n.ID)
	}

	require.Equal(t, []int{1, 2, 5, 6}, g.Nodes[0].Children)
	require.Equal(t, workflow.JoinAll, g.Nodes[2].Join)
	require.Equal(t, []int{7}, g.Nodes[6].Children)
	require.Equal(t, 8, g.Nodes[6].Else)

	announce := g.Nodes[1]
	require.Equal(t, "chat", announce.Driver)
	require.Equal(t, "post", announce.Action)

	approve := g.Nodes[5]
	require.Equal(t, workflow.TimeoutFail, approve.OnTimeout)
	require.Len(t, approve.Correlate, 1)
	require.Equal(t, "payload.message_id", approve.Correlate[0].Path)

	require.Len(t, g.Outputs, 1)
	require.Equal(t, "steps[2]", approve.Location)
}

func Test_Compile_FingerprintIsStable(t *testing.T) {
	g1, err := Compile(deployWorkflow(), Options{})
	require.NoError(t, err)

	g2, err := Compile(deployWorkflow(), Options{})
	require.NoError(t, err)
	require.Equal(t, g1.Fingerprint, g2.Fingerprint)

	changed := deployWorkflow()
	changed.Steps = changed.Steps[1:]
	g3, err := Compile(changed, Options{})
	require.NoError(t, err)
	require.NotEqual(t, g1.Fingerprint, g3.Fingerprint)
}

func Test_Compile_Systems(t *testing.T) {
	systems := map[string]*workflow.System{
		"chat": {
			Name:   "chat",
			Driver: "slack",
			Data:   map[string]any{"workspace": "acme", "channel": "#general"},
			Functions: map[string]workflow.Function{
				"notify": {Action: "chat.postMessage", Params: map[string]any{"channel": "#ops"}},
			},
		},
	}

	wf := &workflow.Workflow{
		Name:  "notify",
		Steps: []workflow.Step{{Name: "n", Call: "chat.notify", With: map[string]any{"text": "hi"}}},
	}

	g, err := Compile(wf, Options{Functions: SystemResolver(systems, func(d string) bool { return d == "slack" })})
	require.NoError(t, err)

	n := g.Nodes[1]
	require.Equal(t, "slack", n.Driver)
	require.Equal(t, "chat.postMessage", n.Action)

	params, err := n.Params.Resolve(nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"workspace": "acme", "channel": "#ops", "text": "hi"}, params)

	wf.Steps[0].Call = "chat.unknown"
	_, err = Compile(wf, Options{Functions: SystemResolver(systems, nil)})
	require.True(t, workflow.IsConfigurationError(err))

	wf.Steps[0].Call = "pager.page"
	_, err = Compile(wf, Options{Functions: SystemResolver(systems, func(d string) bool { return d == "slack" })})
	require.True(t, workflow.IsConfigurationError(err))
}

func Test_Compile_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		steps []workflow.Step
	}{
		{"no kind", []workflow.Step{{Name: "a"}}},
		{"two kinds", []workflow.Step{{Name: "a", Call: "x.y", Workflow: "other"}}},
		{"invalid target", []workflow.Step{{Name: "a", Call: "noop"}}},
		{"duplicate name", []workflow.Step{{Name: "a", Call: "x.y"}, {Name: "a", Call: "x.y"}}},
		{"invalid name", []workflow.Step{{Name: "a.b", Call: "x.y"}}},
		{"unknown root", []workflow.Step{{Name: "a", Call: "x.y", With: map[string]any{"v": "${foo.bar}"}}}},
		{"unterminated reference", []workflow.Step{{Name: "a", Call: "x.y", With: map[string]any{"v": "${steps.a"}}}},
		{"empty parallel", []workflow.Step{{Name: "a", Parallel: []workflow.Step{}}}},
		{"bad quorum", []workflow.Step{{Name: "a", Join: workflow.JoinQuorum, Quorum: 3, Parallel: []workflow.Step{{Call: "x.y"}, {Call: "x.y"}}}}},
		{"suspend in parallel", []workflow.Step{{Name: "a", Parallel: []workflow.Step{{Suspend: &workflow.Suspend{Correlate: map[string]string{"payload.id": "1"}}}}}}},
		{"suspend without correlation", []workflow.Step{{Name: "a", Suspend: &workflow.Suspend{}}}},
		{"suspend in fallback", []workflow.Step{{
			Name:      "a",
			Call:      "x.y",
			OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureFallback, Fallback: &workflow.Step{Suspend: &workflow.Suspend{Correlate: map[string]string{"payload.id": "1"}}}},
		}}},
		{"loop without bounds", []workflow.Step{{Name: "a", Loop: &workflow.Loop{Do: workflow.Step{Call: "x.y"}}}}},
		{"loop over and times", []workflow.Step{{Name: "a", Loop: &workflow.Loop{Over: "params.items", Times: 2, Do: workflow.Step{Call: "x.y"}}}}},
		{"loop variable out of scope", []workflow.Step{
			{Name: "a", Loop: &workflow.Loop{Times: 2, Do: workflow.Step{Call: "x.y"}}},
			{Name: "b", Call: "x.y", With: map[string]any{"v": "${item}"}},
		}},
		{"retry without retries", []workflow.Step{{Name: "a", Call: "x.y", OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureRetry}}}},
		{"fallback without step", []workflow.Step{{Name: "a", Call: "x.y", OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureFallback}}}},
		{"unknown mode", []workflow.Step{{Name: "a", Call: "x.y", OnFailure: &workflow.FailurePolicy{Mode: "ignore"}}}},
		{"undeclared param", []workflow.Step{{Name: "a", Call: "x.y", With: map[string]any{"v": "${params.nope}"}}}},
		{"invalid regex", []workflow.Step{{Name: "a", If: []workflow.Branch{{When: workflow.Predicate{Path: "payload.x", Op: workflow.OpRegex, Value: "("}, Then: workflow.Step{Call: "x.y"}}}}}},
		{"unknown workflow", []workflow.Step{{Name: "a", Workflow: "missing"}}},
		{"dynamic workflow", []workflow.Step{{Name: "a", Workflow: "${params.service}"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := &workflow.Workflow{
				Name:   "invalid",
				Params: []workflow.Param{{Name: "service"}, {Name: "items"}},
				Steps:  tt.steps,
			}

			_, err := Compile(wf, Options{Workflows: func(name string) bool { return name == "other" }})
			require.Error(t, err)
			require.True(t, workflow.IsConfigurationError(err), err.Error())
		})
	}
}

func Test_Compile_LoopScope(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "loop",
		Steps: []workflow.Step{{
			Name: "each",
			Loop: &workflow.Loop{
				Over:  "payload.services",
				As:    "service",
				Until: &workflow.Predicate{Path: "steps.restart.status", Op: workflow.OpEq, Value: "failure"},
				Do: workflow.Step{
					Name: "restart",
					Call: "cloud.restart",
					With: map[string]any{"name": "${service}", "position": "${index}"},
				},
			},
		}},
	}

	g, err := Compile(wf, Options{})
	require.NoError(t, err)

	loop := g.Nodes[1]
	require.Equal(t, "service", loop.As)
	require.Equal(t, 2, loop.Body)
	require.NotNil(t, loop.Until)
}

func Test_Compile_DefaultPolicy(t *testing.T) {
	wf := &workflow.Workflow{
		Name: "policy",
		Steps: []workflow.Step{
			{Name: "a", Call: "x.y"},
			{Name: "b", Call: "x.y", OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureContinue}},
			{Name: "block", Steps: []workflow.Step{{Name: "c", Call: "x.y"}}},
		},
		OnFailure: &workflow.FailurePolicy{
			Mode:     workflow.FailureFallback,
			Fallback: &workflow.Step{Name: "alert", Call: "chat.post"},
		},
	}

	g, err := Compile(wf, Options{})
	require.NoError(t, err)

	byName := map[string]*Node{}
	for _, n := range g.Nodes {
		byName[n.Name] = n
	}

	require.Equal(t, workflow.FailureFallback, byName["a"].Policy.Mode)
	require.Equal(t, byName["alert"].ID, byName["a"].Policy.Fallback)
	require.Equal(t, workflow.FailureContinue, byName["b"].Policy.Mode)
	require.Nil(t, byName["block"].Policy)
	require.NotNil(t, byName["c"].Policy)
	require.Nil(t, byName["alert"].Policy)
}

func Test_Bind(t *testing.T) {
	g, err := Compile(deployWorkflow(), Options{})
	require.NoError(t, err)

	params, err := g.Bind(map[string]any{"service": "api", "extra": 1})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"service": "api", "channel": "#ops", "extra": 1}, params)

	_, err = g.Bind(map[string]any{})
	var mpe *workflow.MissingParameterError
	require.ErrorAs(t, err, &mpe)
	require.Equal(t, "service", mpe.Param)
}

func Test_CheckCycles(t *testing.T) {
	call := func(name string) workflow.Step { return workflow.Step{Workflow: name} }

	err := CheckCycles(map[string]*workflow.Workflow{
		"a": {Name: "a", Steps: []workflow.Step{call("b")}},
		"b": {Name: "b", Steps: []workflow.Step{{Steps: []workflow.Step{call("c")}}}},
		"c": {Name: "c", Steps: []workflow.Step{call("d")}},
		"d": {Name: "d"},
	})
	require.NoError(t, err)

	err = CheckCycles(map[string]*workflow.Workflow{
		"a":    {Name: "a", Steps: []workflow.Step{call("b")}},
		"b":    {Name: "b", Steps: []workflow.Step{{If: []workflow.Branch{{Then: call("a")}}}}},
		"self": {Name: "self", Steps: []workflow.Step{{Loop: &workflow.Loop{Times: 1, Do: call("self")}}}},
		"ok":   {Name: "ok", Steps: []workflow.Step{call("a")}},
	})
	require.Error(t, err)
	require.True(t, workflow.IsConfigurationError(err))
	require.Contains(t, err.Error(), `"a"`)
	require.Contains(t, err.Error(), `"b"`)
	require.Contains(t, err.Error(), `"self"`)
	require.NotContains(t, err.Error(), `"ok"`)
}

func Test_Suspending(t *testing.T) {
	wait := workflow.Step{Name: "wait", Suspend: &workflow.Suspend{Correlate: map[string]string{"payload.id": "1"}}}
	call := func(name string) workflow.Step { return workflow.Step{Workflow: name} }

	suspends := Suspending(map[string]*workflow.Workflow{
		"approval": {Name: "approval", Steps: []workflow.Step{wait}},
		"wrapper":  {Name: "wrapper", Steps: []workflow.Step{{Loop: &workflow.Loop{Times: 2, Do: call("approval")}}}},
		"outer":    {Name: "outer", Steps: []workflow.Step{call("wrapper")}},
		"rescue": {Name: "rescue", OnFailure: &workflow.FailurePolicy{
			Mode: workflow.FailureFallback, Fallback: &workflow.Step{Workflow: "approval"},
		}},
		"plain": {Name: "plain", Steps: []workflow.Step{{Call: "x.y"}, call("missing")}},
	})

	require.Equal(t, map[string]bool{"approval": true, "wrapper": true, "outer": true, "rescue": true}, suspends)
}

func Test_Compile_SuspendingCall(t *testing.T) {
	opts := Options{
		Workflows: func(string) bool { return true },
		Suspends:  func(name string) bool { return name == "approval" },
	}

	tests := []struct {
		name  string
		wf    *workflow.Workflow
		valid bool
	}{
		{"sequential", &workflow.Workflow{Name: "w", Steps: []workflow.Step{{Name: "a", Workflow: "approval"}}}, true},
		{"parallel without suspend", &workflow.Workflow{Name: "w", Steps: []workflow.Step{
			{Name: "fan", Parallel: []workflow.Step{{Name: "a", Workflow: "notify"}, {Name: "b", Call: "x.y"}}},
		}}, true},
		{"parallel", &workflow.Workflow{Name: "w", Steps: []workflow.Step{
			{Name: "fan", Parallel: []workflow.Step{{Name: "a", Workflow: "approval"}, {Name: "b", Call: "x.y"}}},
		}}, false},
		{"nested in parallel", &workflow.Workflow{Name: "w", Steps: []workflow.Step{
			{Name: "fan", Parallel: []workflow.Step{{Name: "seq", Steps: []workflow.Step{{Name: "a", Workflow: "approval"}}}}},
		}}, false},
		{"step fallback", &workflow.Workflow{Name: "w", Steps: []workflow.Step{{
			Name:      "a",
			Call:      "x.y",
			OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureFallback, Fallback: &workflow.Step{Name: "b", Workflow: "approval"}},
		}}}, false},
		{"workflow fallback", &workflow.Workflow{
			Name:      "w",
			Steps:     []workflow.Step{{Name: "a", Call: "x.y"}},
			OnFailure: &workflow.FailurePolicy{Mode: workflow.FailureFallback, Fallback: &workflow.Step{Name: "b", Workflow: "approval"}},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.wf, opts)
			if tt.valid {
				require.NoError(t, err)
				return
			}

			require.Error(t, err)
			require.True(t, workflow.IsConfigurationError(err), err.Error())
			require.Contains(t, err.Error(), `workflow "approval" can suspend`)
		})
	}
}
