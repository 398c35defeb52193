package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
)

var (
	ErrCyclicalDependency = errors.New("cyclical package dependency")
	ErrUnknownPackage     = errors.New("unknown package")
	ErrDuplicatePackage   = errors.New("package registered twice")
	ErrDependencyKind     = errors.New("package depends on a later phase")
)

// CycleError carries the full dependency chain of a cycle, first package
// repeated at the end
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCyclicalDependency, strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCyclicalDependency
}

// Registry maps package names to creators. It is validated once when
// built and never changes afterwards.
type Registry struct {
	creators map[string]Creator
	// order is a dependency order over every package
	order []string
}

// NewRegistry validates creators: unique names, known dependencies of the
// same or an earlier kind, and no cycles.
func NewRegistry(creators ...Creator) (*Registry, error) {
	r := &Registry{creators: make(map[string]Creator, len(creators))}
	for _, c := range creators {
		if _, ok := r.creators[c.Name()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePackage, c.Name())
		}
		r.creators[c.Name()] = c
	}
	for _, c := range creators {
		for _, dep := range c.Dependencies() {
			d, ok := r.creators[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownPackage, c.Name(), dep)
			}
			if d.Kind() > c.Kind() {
				return nil, fmt.Errorf("%w: %s (%s) depends on %s (%s)", ErrDependencyKind, c.Name(), c.Kind(), dep, d.Kind())
			}
		}
	}
	order, err := r.dependencyOrder(r.Names())
	if err != nil {
		return nil, err
	}
	r.order = order
	return r, nil
}

// Names lists every registered package, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.creators))
	for name := range r.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Creator looks a package up by name
func (r *Registry) Creator(name string) (Creator, bool) {
	c, ok := r.creators[name]
	return c, ok
}

// dependencyOrder runs a depth-first search from roots, emitting each
// package after its dependencies
func (r *Registry) dependencyOrder(roots []string) ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(r.creators))
	var order, path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, p := range path {
				if p == name {
					start = i
					break
				}
			}
			chain := append(append([]string{}, path[start:]...), name)
			return &CycleError{Chain: chain}
		}
		c, ok := r.creators[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPackage, name)
		}
		state[name] = visiting
		path = append(path, name)
		deps := append([]string{}, c.Dependencies()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range roots {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Order resolves the selected packages of kind together with their
// dependencies of the same kind, dependencies first. Selected names of
// another kind are an error.
func (r *Registry) Order(kind Kind, names []string) ([]Creator, error) {
	roots := append([]string{}, names...)
	sort.Strings(roots)
	for _, name := range roots {
		c, ok := r.creators[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, name)
		}
		if c.Kind() != kind {
			return nil, fmt.Errorf("package %s is a %s package, not %s", name, c.Kind(), kind)
		}
	}
	order, err := r.dependencyOrder(roots)
	if err != nil {
		return nil, err
	}
	out := make([]Creator, 0, len(order))
	for _, name := range order {
		if c := r.creators[name]; c.Kind() == kind {
			out = append(out, c)
		}
	}
	return out, nil
}

// RegisterFields registers the fields of creators: context packages into
// contextFields, every other kind into agentFields
func (r *Registry) RegisterFields(agentFields, contextFields *batch.FieldSpecMap, creators []Creator, params CreateParams) error {
	for _, c := range creators {
		specs, err := c.Fields(params)
		if err != nil {
			return fmt.Errorf("fields of %s: %w", c.Name(), err)
		}
		target := agentFields
		if c.Kind() == KindContext {
			target = contextFields
		}
		for _, spec := range specs {
			if err := target.Register(spec); err != nil {
				return fmt.Errorf("package %s: %w", c.Name(), err)
			}
		}
	}
	return nil
}
