package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrDriverNotFound = errors.New("driver not found")

type Registry struct {
	sync.RWMutex

	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]Driver),
	}
}

func (r *Registry) Register(d Driver) error {
	r.Lock()
	defer r.Unlock()

	name := d.Name()
	if name == "" {
		return errors.New("driver name must not be empty")
	}

	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("driver %q already registered", name)
	}

	r.drivers[name] = d

	return nil
}

func (r *Registry) Get(name string) (Driver, error) {
	r.RLock()
	defer r.RUnlock()

	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDriverNotFound, name)
	}

	return d, nil
}

// Names returns the names of all registered drivers in sorted order.
func (r *Registry) Names() []string {
	r.RLock()
	defer r.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Sources returns all registered drivers that emit events.
func (r *Registry) Sources() []Source {
	var sources []Source
	for _, name := range r.Names() {
		d, _ := r.Get(name)
		if s, ok := d.(Source); ok {
			sources = append(sources, s)
		}
	}

	return sources
}
