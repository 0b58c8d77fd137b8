package expr

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Absent is the value of a path that does not resolve.
var Absent = absent{}

type absent struct{}

func (absent) String() string { return "<absent>" }

var ErrEmptyPath = errors.New("empty path")

// Path is a parsed dotted path such as "event.payload.alert.id" or "steps.list.output.0".
type Path struct {
	raw      string
	segments []string
}

// ParsePath parses and validates a dotted path. Segments may contain letters, digits, '_' and
// '-'; numeric segments index into lists.
func ParsePath(s string) (Path, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Path{}, ErrEmptyPath
	}

	segments := strings.Split(s, ".")
	for _, seg := range segments {
		if seg == "" {
			return Path{}, fmt.Errorf("invalid path %q: empty segment", s)
		}

		for _, r := range seg {
			if !(r == '_' || r == '-' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
				return Path{}, fmt.Errorf("invalid path %q: unexpected character %q", s, r)
			}
		}
	}

	return Path{raw: s, segments: segments}, nil
}

// MustParsePath is like ParsePath but panics on invalid input.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}

	return p
}

func (p Path) String() string {
	return p.raw
}

func (p Path) Segments() []string {
	return p.segments
}

// Head returns the first segment of the path.
func (p Path) Head() string {
	if len(p.segments) == 0 {
		return ""
	}

	return p.segments[0]
}

// Get resolves the path against the given document.
func (p Path) Get(doc any) (any, bool) {
	return get(doc, p.segments)
}

func get(doc any, segments []string) (any, bool) {
	cur := doc
	for _, seg := range segments {
		next, ok := child(cur, seg)
		if !ok {
			return Absent, false
		}

		cur = next
	}

	return cur, true
}

func child(v any, seg string) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		c, ok := t[seg]
		return c, ok

	case map[string]string:
		c, ok := t[seg]
		return c, ok

	case []any:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(t) {
			return nil, false
		}

		return t[i], true

	case nil:
		return nil, false
	}

	// Fall back to reflection for typed maps and slices returned by drivers
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}

		c := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !c.IsValid() {
			return nil, false
		}

		return c.Interface(), true

	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}

		return rv.Index(i).Interface(), true
	}

	return nil, false
}
