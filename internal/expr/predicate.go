package expr

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"

	"github.com/cschleiden/go-automations/workflow"
)

// Predicate is a compiled workflow.Predicate.
type Predicate interface {
	Eval(s *Scope) (bool, error)
}

type all []Predicate

func (a all) Eval(s *Scope) (bool, error) {
	for _, p := range a {
		ok, err := p.Eval(s)
		if err != nil || !ok {
			return false, err
		}
	}

	return true, nil
}

type anyOf []Predicate

func (a anyOf) Eval(s *Scope) (bool, error) {
	for _, p := range a {
		ok, err := p.Eval(s)
		if err != nil {
			return false, err
		}

		if ok {
			return true, nil
		}
	}

	return false, nil
}

type not struct {
	p Predicate
}

func (n not) Eval(s *Scope) (bool, error) {
	ok, err := n.p.Eval(s)
	return !ok, err
}

type leaf struct {
	path  Path
	op    workflow.Operator
	value Value
	re    *regexp.Regexp
}

func (l *leaf) Eval(s *Scope) (bool, error) {
	v, present := s.Lookup(l.path)

	switch l.op {
	case workflow.OpExists:
		return present, nil
	case workflow.OpAbsent:
		return !present, nil
	case workflow.OpTruthy:
		return present && Truthy(v), nil
	}

	if !present {
		return false, nil
	}

	if l.op == workflow.OpRegex {
		return l.re.MatchString(Stringify(v)), nil
	}

	want, err := l.value.Resolve(s)
	if err != nil {
		var me *MissingError
		if errors.As(err, &me) {
			// Comparing against an absent value never matches
			return false, nil
		}

		return false, err
	}

	switch l.op {
	case workflow.OpEq:
		return Equal(v, want), nil

	case workflow.OpNe:
		return !Equal(v, want), nil

	case workflow.OpIn:
		return contains(want, v), nil

	case workflow.OpGt, workflow.OpLt:
		a, aok := toFloat(v)
		b, bok := toFloat(want)
		if !aok || !bok {
			return false, nil
		}

		if l.op == workflow.OpGt {
			return a > b, nil
		}

		return a < b, nil
	}

	return false, fmt.Errorf("unknown operator %q", l.op)
}

// CompilePredicate validates and compiles a predicate. Regular expressions are compiled once.
func CompilePredicate(p workflow.Predicate) (Predicate, error) {
	combinators := 0
	if p.All != nil {
		combinators++
	}
	if p.Any != nil {
		combinators++
	}
	if p.Not != nil {
		combinators++
	}

	if combinators > 0 {
		if combinators > 1 || p.Path != "" {
			return nil, errors.New("predicate must be exactly one of path, all, any or not")
		}

		switch {
		case p.All != nil:
			ps, err := compilePredicates(p.All)
			return all(ps), err

		case p.Any != nil:
			ps, err := compilePredicates(p.Any)
			return anyOf(ps), err

		default:
			np, err := CompilePredicate(*p.Not)
			if err != nil {
				return nil, err
			}

			return not{p: np}, nil
		}
	}

	path, err := ParsePath(p.Path)
	if err != nil {
		return nil, fmt.Errorf("predicate: %w", err)
	}

	l := &leaf{path: path, op: p.Op}
	if l.op == "" {
		l.op = workflow.OpEq
	}

	switch l.op {
	case workflow.OpExists, workflow.OpAbsent, workflow.OpTruthy:

	case workflow.OpRegex:
		pattern, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("predicate %q: regex value must be a string", p.Path)
		}

		l.re, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("predicate %q: %w", p.Path, err)
		}

	case workflow.OpEq, workflow.OpNe, workflow.OpIn, workflow.OpGt, workflow.OpLt:
		l.value, err = Compile(p.Value)
		if err != nil {
			return nil, fmt.Errorf("predicate %q: %w", p.Path, err)
		}

	default:
		return nil, fmt.Errorf("predicate %q: unknown operator %q", p.Path, p.Op)
	}

	return l, nil
}

// CompilePredicates compiles a list of predicates into one that holds when all of them hold.
func CompilePredicates(ps []workflow.Predicate) (Predicate, error) {
	compiled, err := compilePredicates(ps)
	if err != nil {
		return nil, err
	}

	return all(compiled), nil
}

func compilePredicates(ps []workflow.Predicate) ([]Predicate, error) {
	r := make([]Predicate, 0, len(ps))
	for i, p := range ps {
		c, err := CompilePredicate(p)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}

		r = append(r, c)
	}

	return r, nil
}

// Equal compares two document values. Numbers compare by value regardless of their Go type, so
// an int decoded from YAML equals a float64 decoded from JSON.
func Equal(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}

	return reflect.DeepEqual(a, b)
}

func contains(list any, v any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return Equal(list, v)
	}

	for i := 0; i < rv.Len(); i++ {
		if Equal(rv.Index(i).Interface(), v) {
			return true
		}
	}

	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}

	return 0, false
}

// Truthy returns false for nil, false, zero numbers, empty strings and empty collections.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case absent:
		return false
	}

	if f, ok := toFloat(v); ok {
		return f != 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}

	return true
}
