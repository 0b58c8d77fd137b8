package expr

const (
	StepsKey   = "steps"
	ContextKey = "ctx"
)

// Scope is a layered view of the context. Lookups try the innermost layer first, then its
// parents, so loop and branch locals shadow the instance context which in turn shadows the
// triggering event.
type Scope struct {
	vars   map[string]any
	parent *Scope
}

// NewScope creates a root scope over the given layers, outermost first.
func NewScope(layers ...map[string]any) *Scope {
	var s *Scope
	for _, l := range layers {
		s = s.Child(l)
	}

	if s == nil {
		s = &Scope{vars: map[string]any{}}
	}

	return s
}

// Child returns a new scope layered on top of s. A nil vars map creates an empty layer.
func (s *Scope) Child(vars map[string]any) *Scope {
	if vars == nil {
		vars = map[string]any{}
	}

	return &Scope{vars: vars, parent: s}
}

// Vars returns the bindings of the innermost layer.
func (s *Scope) Vars() map[string]any {
	return s.vars
}

func (s *Scope) Parent() *Scope {
	return s.parent
}

// Lookup resolves the path against each layer, innermost first. The whole path must resolve
// within one layer.
func (s *Scope) Lookup(p Path) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := p.Get(cur.vars); ok {
			return v, true
		}
	}

	return Absent, false
}

// Resolve returns the value at the path or Absent.
func (s *Scope) Resolve(p Path) any {
	v, _ := s.Lookup(p)
	return v
}

// Set binds a value in the innermost layer.
func (s *Scope) Set(key string, value any) {
	s.vars[key] = value
}

// SetStep records a step result in the innermost layer's "steps" map.
func (s *Scope) SetStep(name string, result any) {
	s.section(StepsKey)[name] = result
}

// Export records a value in the innermost layer's "ctx" map.
func (s *Scope) Export(key string, value any) {
	s.section(ContextKey)[key] = value
}

// Merge copies the "steps" and "ctx" sections of the innermost layer of other into this layer.
func (s *Scope) Merge(other *Scope) {
	for _, key := range []string{StepsKey, ContextKey} {
		src, ok := other.vars[key].(map[string]any)
		if !ok {
			continue
		}

		dst := s.section(key)
		for k, v := range src {
			dst[k] = v
		}
	}
}

func (s *Scope) section(key string) map[string]any {
	m, ok := s.vars[key].(map[string]any)
	if !ok {
		m = map[string]any{}
		s.vars[key] = m
	}

	return m
}

// EventKey binds the triggering event document in the event layer.
const EventKey = "event"

// EventLayer returns the outermost scope layer for an event. Paths resolve both relative to the
// event ("payload.command") and through "event" ("event.payload.command").
func EventLayer(doc map[string]any) map[string]any {
	layer := make(map[string]any, len(doc)+1)
	for k, v := range doc {
		layer[k] = v
	}
	layer[EventKey] = doc

	return layer
}
