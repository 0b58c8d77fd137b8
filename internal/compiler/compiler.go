package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/workflow"
)

const (
	DefaultLoopVar = "item"
	IndexVar       = "index"

	// ResultVar binds the step result while evaluating exports.
	ResultVar = "result"
)

// Roots that are always resolvable: the event layer and the instance context.
var roots = map[string]bool{
	expr.EventKey:   true,
	"payload":       true,
	"id":            true,
	"source":        true,
	"type":          true,
	"timestamp":     true,
	"params":        true,
	expr.StepsKey:   true,
	expr.ContextKey: true,
}

type Options struct {
	Functions FunctionResolver

	// Workflows reports whether a call-workflow target exists. Targets are not checked when nil.
	Workflows func(name string) bool

	// Suspends reports whether a call-workflow target can suspend. Such calls are rejected inside
	// parallel blocks and fallback steps. Not checked when nil.
	Suspends func(name string) bool
}

type env struct {
	locals     []string
	inParallel bool
	inFallback bool
}

func (e env) with(locals ...string) env {
	n := e
	n.locals = append(append([]string{}, e.locals...), locals...)
	return n
}

type compiler struct {
	wf   *workflow.Workflow
	opts Options
	g    *Graph

	names  map[string]string
	params map[string]bool
	calls  map[string]bool

	defaultPolicy *Policy
}

// Compile validates a workflow definition and compiles it into a graph. It has no side effects;
// all errors are *workflow.ConfigurationError.
func Compile(wf *workflow.Workflow, opts Options) (*Graph, error) {
	if wf == nil || wf.Name == "" {
		return nil, &workflow.ConfigurationError{Message: "workflow name is required"}
	}

	if opts.Functions == nil {
		opts.Functions = SystemResolver(nil, nil)
	}

	fingerprint, err := Fingerprint(wf)
	if err != nil {
		return nil, &workflow.ConfigurationError{Workflow: wf.Name, Message: "workflow is not serializable", Err: err}
	}

	c := &compiler{
		wf:   wf,
		opts: opts,
		g: &Graph{
			Name:        wf.Name,
			Fingerprint: fingerprint,
			Params:      wf.Params,
		},
		names: map[string]string{},
		calls: map[string]bool{},
	}

	if err := c.compileParams(); err != nil {
		return nil, err
	}

	root := c.add(&Node{Kind: workflow.StepKindSequential, Location: "steps"})
	c.g.Root = root.ID

	root.Children, err = c.compileChildren(wf.Steps, "steps", env{})
	if err != nil {
		return nil, err
	}

	if wf.OnFailure != nil {
		// The default policy covers the workflow's own steps, not the steps of its fallback
		covered := len(c.g.Nodes)

		c.defaultPolicy, err = c.compilePolicy(wf.OnFailure, "", "on_failure", env{inFallback: true})
		if err != nil {
			return nil, err
		}

		for _, n := range c.g.Nodes[:covered] {
			if n.Policy == nil && (n.Kind == workflow.StepKindAction || n.Kind == workflow.StepKindWorkflow) {
				n.Policy = c.defaultPolicy
			}
		}
	}

	c.g.Outputs, err = c.compileBindings(wf.Outputs, "outputs", env{})
	if err != nil {
		return nil, err
	}

	for name := range c.calls {
		c.g.Calls = append(c.g.Calls, name)
	}
	sort.Strings(c.g.Calls)

	return c.g, nil
}

// Fingerprint hashes the canonical JSON form of the definition.
func Fingerprint(wf *workflow.Workflow) (string, error) {
	b, err := json.Marshal(wf)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (c *compiler) errorf(step string, err error, format string, args ...any) error {
	return &workflow.ConfigurationError{
		Workflow: c.wf.Name,
		Step:     step,
		Message:  fmt.Sprintf(format, args...),
		Err:      err,
	}
}

func (c *compiler) compileParams() error {
	if len(c.wf.Params) == 0 {
		return nil
	}

	c.params = make(map[string]bool, len(c.wf.Params))
	for _, p := range c.wf.Params {
		if !validName(p.Name) {
			return c.errorf("", nil, "invalid parameter name %q", p.Name)
		}

		if c.params[p.Name] {
			return c.errorf("", nil, "duplicate parameter %q", p.Name)
		}

		c.params[p.Name] = true
	}

	return nil
}

func validName(name string) bool {
	p, err := expr.ParsePath(name)
	return err == nil && len(p.Segments()) == 1
}

func (c *compiler) add(n *Node) *Node {
	n.ID = len(c.g.Nodes)
	n.Else = NoNode
	n.Body = NoNode
	c.g.Nodes = append(c.g.Nodes, n)

	return n
}

func (c *compiler) compileStep(s *workflow.Step, loc string, e env) (int, error) {
	label := loc
	if s.Name != "" {
		label = s.Name
	}

	kinds := s.Kinds()
	switch len(kinds) {
	case 0:
		return NoNode, c.errorf(label, nil, "step does not define an action, block, conditional, loop, workflow call or suspend")
	case 1:
	default:
		return NoNode, c.errorf(label, nil, "step defines more than one of %v", kinds)
	}

	if s.Name != "" {
		if !validName(s.Name) {
			return NoNode, c.errorf(label, nil, "invalid step name")
		}

		if prev, ok := c.names[s.Name]; ok {
			return NoNode, c.errorf(label, nil, "step name already used at %s", prev)
		}

		c.names[s.Name] = loc
	}

	n := c.add(&Node{
		Kind:     kinds[0],
		Name:     s.Name,
		Location: loc,
	})

	var err error
	switch n.Kind {
	case workflow.StepKindAction:
		err = c.compileAction(n, s, e)

	case workflow.StepKindSequential:
		n.Children, err = c.compileChildren(s.Steps, loc+".steps", e)

	case workflow.StepKindParallel:
		err = c.compileParallel(n, s, e)

	case workflow.StepKindIf:
		err = c.compileIf(n, s, e)

	case workflow.StepKindLoop:
		err = c.compileLoop(n, s, e)

	case workflow.StepKindWorkflow:
		err = c.compileCall(n, s, e)

	case workflow.StepKindSuspend:
		err = c.compileSuspend(n, s, e)
	}

	if err != nil {
		return NoNode, err
	}

	if len(s.Export) > 0 {
		n.Exports, err = c.compileBindings(s.Export, label+".export", e.with(ResultVar))
		if err != nil {
			return NoNode, err
		}

		for _, b := range n.Exports {
			if !validName(b.Key) {
				return NoNode, c.errorf(label, nil, "invalid export key %q", b.Key)
			}
		}
	}

	if s.OnFailure != nil {
		n.Policy, err = c.compilePolicy(s.OnFailure, label, n.Location+".on_failure", e)
		if err != nil {
			return NoNode, err
		}
	}

	return n.ID, nil
}

func (c *compiler) compileChildren(steps []workflow.Step, loc string, e env) ([]int, error) {
	children := make([]int, 0, len(steps))
	for i := range steps {
		id, err := c.compileStep(&steps[i], fmt.Sprintf("%s[%d]", loc, i), e)
		if err != nil {
			return nil, err
		}

		children = append(children, id)
	}

	return children, nil
}

func (c *compiler) compileAction(n *Node, s *workflow.Step, e env) error {
	target, err := c.opts.Functions(s.Call)
	if err != nil {
		return c.errorf(n.String(), err, "invalid call target")
	}

	if s.Timeout < 0 {
		return c.errorf(n.String(), nil, "timeout must not be negative")
	}

	params := make(map[string]any, len(target.Defaults)+len(s.With))
	for k, v := range target.Defaults {
		params[k] = v
	}
	for k, v := range s.With {
		params[k] = v
	}

	n.Params, err = c.compileValue(params, n.String(), e)
	if err != nil {
		return err
	}

	n.Call = s.Call
	n.Driver = target.Driver
	n.Action = target.Action
	n.Timeout = s.Timeout

	return nil
}

func (c *compiler) compileParallel(n *Node, s *workflow.Step, e env) error {
	if len(s.Parallel) == 0 {
		return c.errorf(n.String(), nil, "parallel block needs at least one step")
	}

	n.Join = s.Join
	if n.Join == "" {
		n.Join = workflow.JoinAll
	}

	switch n.Join {
	case workflow.JoinAll, workflow.JoinAny:
	case workflow.JoinQuorum:
		if s.Quorum < 1 || s.Quorum > len(s.Parallel) {
			return c.errorf(n.String(), nil, "quorum must be between 1 and %d", len(s.Parallel))
		}
	default:
		return c.errorf(n.String(), nil, "unknown join mode %q", s.Join)
	}

	n.Quorum = s.Quorum
	n.FailFast = s.FailFast

	pe := e
	pe.inParallel = true

	var err error
	n.Children, err = c.compileChildren(s.Parallel, n.Location+".parallel", pe)
	return err
}

func (c *compiler) compileIf(n *Node, s *workflow.Step, e env) error {
	if len(s.If) == 0 && s.Else == nil {
		return c.errorf(n.String(), nil, "conditional needs at least one branch")
	}

	for i := range s.If {
		b := &s.If[i]
		loc := fmt.Sprintf("%s.if[%d]", n.Location, i)

		p, err := expr.CompilePredicate(b.When)
		if err != nil {
			return c.errorf(n.String(), err, "invalid condition at %s", loc)
		}

		if err := c.checkPredicateRefs(b.When, n.String(), e); err != nil {
			return err
		}

		id, err := c.compileStep(&b.Then, loc+".then", e)
		if err != nil {
			return err
		}

		n.Branches = append(n.Branches, p)
		n.Children = append(n.Children, id)
	}

	if s.Else != nil {
		id, err := c.compileStep(s.Else, n.Location+".else", e)
		if err != nil {
			return err
		}

		n.Else = id
	}

	return nil
}

func (c *compiler) compileLoop(n *Node, s *workflow.Step, e env) error {
	l := s.Loop

	if l.Over != "" && l.Times != 0 {
		return c.errorf(n.String(), nil, "loop cannot set both over and times")
	}

	if l.Over == "" && l.Times == 0 && l.Until == nil {
		return c.errorf(n.String(), nil, "loop needs over, times or until")
	}

	if l.Times < 0 || l.Max < 0 {
		return c.errorf(n.String(), nil, "loop bounds must not be negative")
	}

	n.As = l.As
	if n.As == "" {
		n.As = DefaultLoopVar
	}

	if !validName(n.As) || n.As == IndexVar {
		return c.errorf(n.String(), nil, "invalid loop variable %q", n.As)
	}

	n.Times = l.Times
	n.Max = l.Max

	body := e.with(n.As, IndexVar)

	if l.Over != "" {
		v, err := c.compileExpr(l.Over, n.String(), e)
		if err != nil {
			return err
		}

		n.Over = v
	}

	if l.Until != nil {
		p, err := expr.CompilePredicate(*l.Until)
		if err != nil {
			return c.errorf(n.String(), err, "invalid until condition")
		}

		if err := c.checkPredicateRefs(*l.Until, n.String(), body); err != nil {
			return err
		}

		n.Until = p
	}

	id, err := c.compileStep(&l.Do, n.Location+".loop.do", body)
	if err != nil {
		return err
	}

	n.Body = id

	return nil
}

func (c *compiler) compileCall(n *Node, s *workflow.Step, e env) error {
	if strings.Contains(s.Workflow, "${") {
		return c.errorf(n.String(), nil, "workflow reference must be a literal name")
	}

	if c.opts.Workflows != nil && !c.opts.Workflows(s.Workflow) {
		return c.errorf(n.String(), nil, "unknown workflow %q", s.Workflow)
	}

	if c.opts.Suspends != nil && c.opts.Suspends(s.Workflow) {
		if e.inParallel {
			return c.errorf(n.String(), nil, "suspend is not supported inside a parallel block: workflow %q can suspend", s.Workflow)
		}

		if e.inFallback {
			return c.errorf(n.String(), nil, "suspend is not supported inside a fallback step: workflow %q can suspend", s.Workflow)
		}
	}

	var err error
	n.Params, err = c.compileValue(s.With, n.String(), e)
	if err != nil {
		return err
	}

	n.Workflow = s.Workflow
	c.calls[s.Workflow] = true

	return nil
}

func (c *compiler) compileSuspend(n *Node, s *workflow.Step, e env) error {
	if e.inParallel {
		return c.errorf(n.String(), nil, "suspend is not supported inside a parallel block")
	}

	if e.inFallback {
		return c.errorf(n.String(), nil, "suspend is not supported inside a fallback step")
	}

	sp := s.Suspend
	if len(sp.Correlate) == 0 {
		return c.errorf(n.String(), nil, "suspend needs at least one correlation value")
	}

	if sp.Timeout < 0 {
		return c.errorf(n.String(), nil, "timeout must not be negative")
	}

	switch sp.OnTimeout {
	case "":
		n.OnTimeout = workflow.TimeoutFail
	case workflow.TimeoutFail, workflow.TimeoutResume:
		n.OnTimeout = sp.OnTimeout
	default:
		return c.errorf(n.String(), nil, "unknown on_timeout action %q", sp.OnTimeout)
	}

	paths := make([]string, 0, len(sp.Correlate))
	for p := range sp.Correlate {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if _, err := expr.ParsePath(p); err != nil {
			return c.errorf(n.String(), err, "invalid correlation path")
		}

		v, err := c.compileValue(sp.Correlate[p], n.String(), e)
		if err != nil {
			return err
		}

		n.Correlate = append(n.Correlate, Correlation{Path: p, Value: v})
	}

	n.Source = sp.Source
	n.Timeout = sp.Timeout
	n.Default = sp.Default

	return nil
}

func (c *compiler) compilePolicy(p *workflow.FailurePolicy, label, loc string, e env) (*Policy, error) {
	cp := &Policy{
		Mode:     p.Mode,
		Retries:  p.Retries,
		Backoff:  workflow.DefaultBackoff,
		Fallback: NoNode,
	}

	if cp.Mode == "" {
		cp.Mode = workflow.FailurePropagate
	}

	switch cp.Mode {
	case workflow.FailurePropagate, workflow.FailureContinue:
	case workflow.FailureRetry:
		if p.Retries < 1 {
			return nil, c.errorf(label, nil, "retry policy needs at least one retry")
		}
	case workflow.FailureFallback:
		if p.Fallback == nil {
			return nil, c.errorf(label, nil, "fallback policy needs a fallback step")
		}
	default:
		return nil, c.errorf(label, nil, "unknown failure mode %q", p.Mode)
	}

	if p.Retries < 0 {
		return nil, c.errorf(label, nil, "retries must not be negative")
	}

	if b := p.Backoff; b != nil {
		if b.Initial > 0 {
			cp.Backoff.Initial = b.Initial
		}

		if b.Max > 0 {
			cp.Backoff.Max = b.Max
		}

		if b.Multiplier != 0 {
			if b.Multiplier < 1 {
				return nil, c.errorf(label, nil, "backoff multiplier must be at least 1")
			}

			cp.Backoff.Multiplier = b.Multiplier
		}
	}

	if p.Fallback != nil {
		fe := e
		fe.inFallback = true

		id, err := c.compileStep(p.Fallback, loc+".fallback", fe)
		if err != nil {
			return nil, err
		}

		cp.Fallback = id
	}

	return cp, nil
}

func (c *compiler) compileBindings(m map[string]string, label string, e env) ([]Binding, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	bindings := make([]Binding, 0, len(keys))
	for _, k := range keys {
		v, err := c.compileExpr(m[k], label, e)
		if err != nil {
			return nil, err
		}

		bindings = append(bindings, Binding{Key: k, Value: v})
	}

	return bindings, nil
}

// compileExpr compiles an expression that is either a template ("${steps.a.output}") or a bare
// path ("steps.a.output").
func (c *compiler) compileExpr(s, label string, e env) (expr.Value, error) {
	if strings.Contains(s, "${") {
		return c.compileValue(s, label, e)
	}

	v, err := expr.Reference(s)
	if err != nil {
		return nil, c.errorf(label, err, "invalid expression %q", s)
	}

	if err := c.checkRefs(v.Refs(), label, e); err != nil {
		return nil, err
	}

	return v, nil
}

func (c *compiler) compileValue(v any, label string, e env) (expr.Value, error) {
	if m, ok := v.(map[string]any); ok || v == nil {
		cv, err := expr.CompileMap(m)
		if err != nil {
			return nil, c.errorf(label, err, "invalid parameters")
		}

		return cv, c.checkRefs(cv.Refs(), label, e)
	}

	cv, err := expr.Compile(v)
	if err != nil {
		return nil, c.errorf(label, err, "invalid expression")
	}

	return cv, c.checkRefs(cv.Refs(), label, e)
}

func (c *compiler) checkPredicateRefs(p workflow.Predicate, label string, e env) error {
	var refs []expr.Path
	var collect func(p workflow.Predicate)
	collect = func(p workflow.Predicate) {
		if p.Path != "" {
			if path, err := expr.ParsePath(p.Path); err == nil {
				refs = append(refs, path)
			}
		}

		if v, err := expr.Compile(p.Value); err == nil {
			refs = append(refs, v.Refs()...)
		}

		for _, sub := range append(append([]workflow.Predicate{}, p.All...), p.Any...) {
			collect(sub)
		}

		if p.Not != nil {
			collect(*p.Not)
		}
	}
	collect(p)

	return c.checkRefs(refs, label, e)
}

func (c *compiler) checkRefs(refs []expr.Path, label string, e env) error {
	var errs []error
	for _, r := range refs {
		head := r.Head()

		known := roots[head]
		for _, l := range e.locals {
			if l == head {
				known = true
			}
		}

		if !known {
			errs = append(errs, fmt.Errorf("%q does not reference the event, params, steps, ctx or a loop variable", r.String()))
			continue
		}

		if head == "params" && c.params != nil && len(r.Segments()) > 1 && !c.params[r.Segments()[1]] {
			errs = append(errs, fmt.Errorf("%q references an undeclared parameter", r.String()))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return c.errorf(label, err, "invalid reference")
	}

	return nil
}
