package expr

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// MissingError is returned when a required reference does not resolve.
type MissingError struct {
	Path string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("%q is absent", e.Path)
}

// Value is a compiled parameter value. Strings may reference the context:
//
//	"${steps.post.output.ts}"     whole value, keeps the resolved type
//	"${params.channel?}"          optional reference, absent resolves to nil
//	"deploying ${params.service}" interpolated into a string
//	"$${literal}"                 escaped, yields "${literal}"
//
// Maps and lists are compiled recursively, all other values are literals.
type Value interface {
	Resolve(s *Scope) (any, error)

	// Refs returns the paths referenced by the value.
	Refs() []Path
}

type literal struct {
	v any
}

func (l literal) Resolve(*Scope) (any, error) { return l.v, nil }
func (l literal) Refs() []Path                { return nil }

type ref struct {
	path     Path
	optional bool
}

func (r ref) Resolve(s *Scope) (any, error) {
	v, ok := s.Lookup(r.path)
	if !ok {
		if r.optional {
			return nil, nil
		}

		return nil, &MissingError{Path: r.path.String()}
	}

	return v, nil
}

func (r ref) Refs() []Path { return []Path{r.path} }

type part struct {
	text string
	ref  *ref
}

type interpolation struct {
	parts []part
}

func (i interpolation) Resolve(s *Scope) (any, error) {
	var b strings.Builder
	for _, p := range i.parts {
		if p.ref == nil {
			b.WriteString(p.text)
			continue
		}

		v, err := p.ref.Resolve(s)
		if err != nil {
			return nil, err
		}

		b.WriteString(Stringify(v))
	}

	return b.String(), nil
}

func (i interpolation) Refs() []Path {
	var refs []Path
	for _, p := range i.parts {
		if p.ref != nil {
			refs = append(refs, p.ref.path)
		}
	}

	return refs
}

type mapValue map[string]Value

func (m mapValue) Resolve(s *Scope) (any, error) {
	r := make(map[string]any, len(m))
	for k, v := range m {
		rv, err := v.Resolve(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}

		r[k] = rv
	}

	return r, nil
}

func (m mapValue) Refs() []Path {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var refs []Path
	for _, k := range keys {
		refs = append(refs, m[k].Refs()...)
	}

	return refs
}

type listValue []Value

func (l listValue) Resolve(s *Scope) (any, error) {
	r := make([]any, len(l))
	for i, v := range l {
		rv, err := v.Resolve(s)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}

		r[i] = rv
	}

	return r, nil
}

func (l listValue) Refs() []Path {
	var refs []Path
	for _, v := range l {
		refs = append(refs, v.Refs()...)
	}

	return refs
}

// Compile compiles a parameter value, validating every embedded reference.
func Compile(v any) (Value, error) {
	switch t := v.(type) {
	case string:
		return compileString(t)

	case map[string]any:
		m := make(mapValue, len(t))
		for k, c := range t {
			cv, err := Compile(c)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}

			m[k] = cv
		}

		return m, nil

	case []any:
		l := make(listValue, len(t))
		for i, c := range t {
			cv, err := Compile(c)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			l[i] = cv
		}

		return l, nil
	}

	return literal{v: v}, nil
}

// CompileMap compiles a map of parameters.
func CompileMap(m map[string]any) (Value, error) {
	if m == nil {
		m = map[string]any{}
	}

	return Compile(m)
}

// MustCompile is like Compile but panics on invalid input.
func MustCompile(v any) Value {
	c, err := Compile(v)
	if err != nil {
		panic(err)
	}

	return c
}

func compileString(s string) (Value, error) {
	var parts []part
	var text strings.Builder

	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "$${") {
			text.WriteString("${")
			i += 3
			continue
		}

		if strings.HasPrefix(s[i:], "${") {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated reference in %q", s)
			}

			r, err := parseRef(s[i+2 : i+2+end])
			if err != nil {
				return nil, err
			}

			if text.Len() > 0 {
				parts = append(parts, part{text: text.String()})
				text.Reset()
			}

			parts = append(parts, part{ref: r})
			i += end + 3
			continue
		}

		text.WriteByte(s[i])
		i++
	}

	if text.Len() > 0 {
		parts = append(parts, part{text: text.String()})
	}

	switch {
	case len(parts) == 0:
		return literal{v: ""}, nil

	case len(parts) == 1 && parts[0].ref != nil:
		return *parts[0].ref, nil

	case len(parts) == 1:
		return literal{v: parts[0].text}, nil
	}

	return interpolation{parts: parts}, nil
}

func parseRef(s string) (*ref, error) {
	optional := strings.HasSuffix(s, "?")
	s = strings.TrimSuffix(s, "?")

	p, err := ParsePath(s)
	if err != nil {
		return nil, err
	}

	return &ref{path: p, optional: optional}, nil
}

// Reference compiles a bare path (without ${}) into a required reference.
func Reference(s string) (Value, error) {
	r, err := parseRef(s)
	if err != nil {
		return nil, err
	}

	return *r, nil
}

// Stringify renders a resolved value for string interpolation. Structured values are rendered
// as JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}

		return string(b)
	}

	return fmt.Sprint(v)
}
