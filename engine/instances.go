package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cschleiden/go-automations/core"
)

// Record is the inspection view of an instance.
type Record struct {
	ID       string              `json:"id"`
	Workflow string              `json:"workflow"`
	Status   core.InstanceStatus `json:"status"`
	ParentID string              `json:"parent_id,omitempty"`
	RootID   string              `json:"root_id"`
	Error    string              `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// State is the final state of a finished top-level instance.
	State *core.InstanceState `json:"state,omitempty"`
}

func recordOf(s *core.InstanceState, now time.Time) *Record {
	return &Record{
		ID:        s.ID,
		Workflow:  s.Workflow,
		Status:    s.Status,
		ParentID:  s.ParentID,
		RootID:    s.RootID,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
		UpdatedAt: now,
	}
}

// live is a top-level instance that is queued or executing. Nested instances share the context
// of their root.
type live struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	// released is set once the instance is about to persist its continuation. A resumed
	// instance with the same ID replaces a released entry.
	released bool
}

// table tracks live top-level instances and the nested instances they started.
type table struct {
	mu sync.RWMutex

	live     map[string]*live
	records  map[string]*Record
	children map[string][]string
}

func newTable() *table {
	return &table{
		live:     map[string]*live{},
		records:  map[string]*Record{},
		children: map[string][]string{},
	}
}

// add registers a top-level instance. Only one live instance per ID is allowed, unless the
// existing one has been released.
func (t *table) add(state *core.InstanceState, now time.Time) (*live, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if l, ok := t.live[state.ID]; ok {
		if !l.released {
			return nil, ErrDuplicateInstance
		}

		t.drop(state.ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &live{id: state.ID, ctx: ctx, cancel: cancel}

	t.live[state.ID] = l
	t.records[state.ID] = recordOf(state, now)

	return l, nil
}

// release marks the instance as replaceable by a resumed instance with the same ID.
func (t *table) release(l *live) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l.released = true
}

// remove unregisters the instance unless it has been replaced in the meantime.
func (t *table) remove(l *live) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.live[l.id] != l {
		return
	}

	t.drop(l.id)
}

func (t *table) drop(id string) {
	delete(t.live, id)
	delete(t.records, id)

	for _, child := range t.children[id] {
		delete(t.records, child)
	}
	delete(t.children, id)
}

// update records a lifecycle transition. Transitions of instances without a live root are
// ignored.
func (t *table) update(state *core.InstanceState, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[state.RootID]; !ok {
		return
	}

	if _, ok := t.records[state.ID]; !ok && state.ID != state.RootID {
		t.children[state.RootID] = append(t.children[state.RootID], state.ID)
	}

	t.records[state.ID] = recordOf(state, now)
}

// root returns the live top-level instance the given instance belongs to.
func (t *table) root(id string) (*live, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rootID := id
	if r, ok := t.records[id]; ok {
		rootID = r.RootID
	}

	l, ok := t.live[rootID]
	return l, ok
}

func (t *table) record(id string) (*Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[id]
	if !ok {
		return nil, false
	}

	c := *r
	return &c, true
}

func (t *table) list() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r := make([]*Record, 0, len(t.records))
	for _, rec := range t.records {
		c := *rec
		r = append(r, &c)
	}

	sort.Slice(r, func(i, j int) bool {
		if !r[i].CreatedAt.Equal(r[j].CreatedAt) {
			return r[i].CreatedAt.After(r[j].CreatedAt)
		}

		return r[i].ID < r[j].ID
	})

	return r
}

func (t *table) cancelAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, l := range t.live {
		l.cancel()
	}
}
