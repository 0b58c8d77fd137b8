package rules

import (
	"errors"
	"fmt"
	"path"
	"sort"

	"github.com/cschleiden/go-automations/core"
	"github.com/cschleiden/go-automations/internal/expr"
	"github.com/cschleiden/go-automations/workflow"
)

type compiledRule struct {
	rule *Rule

	source string
	typ    string

	predicate expr.Predicate
	params    expr.Value
}

// Matcher evaluates events against an immutable, ordered set of rules.
type Matcher struct {
	rules  []*compiledRule
	byName map[string]*compiledRule
}

// NewMatcher compiles the given rules. Invalid rules are left out of the matcher and reported as
// joined *workflow.ConfigurationError values, the remaining rules stay usable.
func NewMatcher(rules []*Rule, systems map[string]*workflow.System) (*Matcher, error) {
	m := &Matcher{
		byName: make(map[string]*compiledRule, len(rules)),
	}

	var errs []error
	for _, r := range rules {
		if _, ok := m.byName[r.Name]; ok {
			errs = append(errs, &workflow.ConfigurationError{Rule: r.Name, Message: "duplicate rule name"})
			continue
		}

		cr, err := compileRule(r, systems)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		m.rules = append(m.rules, cr)
		m.byName[r.Name] = cr
	}

	return m, errors.Join(errs...)
}

func compileRule(r *Rule, systems map[string]*workflow.System) (*compiledRule, error) {
	cfgErr := func(msg string, err error) error {
		return &workflow.ConfigurationError{Rule: r.Name, Message: msg, Err: err}
	}

	if r.Name == "" {
		return nil, cfgErr("rule name is required", nil)
	}

	if r.Do.Workflow == "" {
		return nil, cfgErr("rule does not reference a workflow", nil)
	}

	when, err := resolveTrigger(r.When, systems)
	if err != nil {
		return nil, cfgErr("invalid trigger", err)
	}

	cr := &compiledRule{
		rule:   r,
		source: when.Source,
		typ:    when.Type,
	}

	for _, pattern := range []string{cr.source, cr.typ} {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, cfgErr(fmt.Sprintf("invalid pattern %q", pattern), err)
		}
	}

	// Match entries are applied in key order so evaluation is deterministic
	keys := make([]string, 0, len(when.Match))
	for k := range when.Match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	predicates := make([]workflow.Predicate, 0, len(keys)+len(when.Conditions))
	for _, k := range keys {
		predicates = append(predicates, workflow.Equals(k, when.Match[k]))
	}
	predicates = append(predicates, when.Conditions...)

	cr.predicate, err = expr.CompilePredicates(predicates)
	if err != nil {
		return nil, cfgErr("invalid condition", err)
	}

	cr.params, err = expr.CompileMap(r.Do.Params)
	if err != nil {
		return nil, cfgErr("invalid workflow parameters", err)
	}

	return cr, nil
}

// resolveTrigger merges a referenced system trigger into the TriggerSpec.
func resolveTrigger(t TriggerSpec, systems map[string]*workflow.System) (TriggerSpec, error) {
	if t.System == "" && t.Trigger == "" {
		return t, nil
	}

	if t.Source != "" || t.Type != "" {
		return t, errors.New("a trigger referencing a system cannot also set source or type")
	}

	system, ok := systems[t.System]
	if !ok {
		return t, fmt.Errorf("unknown system %q", t.System)
	}

	st, ok := system.Triggers[t.Trigger]
	if !ok {
		return t, fmt.Errorf("system %q has no trigger %q", t.System, t.Trigger)
	}

	r := TriggerSpec{
		Source: st.Source,
		Type:   st.Type,
		Match:  make(map[string]any, len(st.Match)+len(t.Match)),
	}

	if r.Source == "" {
		r.Source = system.Name
	}

	if r.Type == "" {
		r.Type = t.Trigger
	}

	for k, v := range st.Match {
		r.Match[k] = v
	}

	for k, v := range t.Match {
		if existing, ok := r.Match[k]; ok && !expr.Equal(existing, v) {
			// Both have to hold, which they never can
			return t, fmt.Errorf("match %q conflicts with trigger %s.%s", k, t.System, t.Trigger)
		}

		r.Match[k] = v
	}

	r.Conditions = append(append(r.Conditions, st.Conditions...), t.Conditions...)

	return r, nil
}

func (cr *compiledRule) matches(e *core.Event, s *expr.Scope) (bool, error) {
	if !glob(cr.source, e.Source) || !glob(cr.typ, e.Type) {
		return false, nil
	}

	return cr.predicate.Eval(s)
}

func glob(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}

	ok, _ := path.Match(pattern, name)
	return ok
}

// Match returns every rule triggered by the event, in declaration order. Matching is not mutually
// exclusive. Rules whose conditions fail to evaluate are skipped and reported in the returned
// error.
func (m *Matcher) Match(e *core.Event) ([]*Rule, error) {
	s := expr.NewScope(expr.EventLayer(e.Document()))

	var matched []*Rule
	var errs []error
	for _, cr := range m.rules {
		ok, err := cr.matches(e, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", cr.rule.Name, err))
			continue
		}

		if ok {
			matched = append(matched, cr.rule)
		}
	}

	return matched, errors.Join(errs...)
}

// Params evaluates the workflow parameters of the rule against the event.
func (m *Matcher) Params(r *Rule, e *core.Event) (map[string]any, error) {
	cr, ok := m.byName[r.Name]
	if !ok {
		return nil, fmt.Errorf("unknown rule %q", r.Name)
	}

	v, err := cr.params.Resolve(expr.NewScope(expr.EventLayer(e.Document())))
	if err != nil {
		return nil, fmt.Errorf("rule %q: %w", r.Name, err)
	}

	return v.(map[string]any), nil
}

// Rules returns the compiled rules in declaration order.
func (m *Matcher) Rules() []*Rule {
	r := make([]*Rule, len(m.rules))
	for i, cr := range m.rules {
		r[i] = cr.rule
	}

	return r
}
