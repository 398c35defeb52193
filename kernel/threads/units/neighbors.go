package units

import (
	"context"
	"fmt"
	"math"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

const defaultSearchRadius = 1.0

type distanceFunc func(a, b []float64) float64

var distanceFuncs = map[string]distanceFunc{
	"euclidean": func(a, b []float64) float64 {
		return math.Sqrt(squaredDistance(a, b))
	},
	"euclidean_squared": squaredDistance,
	"manhattan": func(a, b []float64) float64 {
		d := 0.0
		for i := range a {
			d += math.Abs(a[i] - b[i])
		}
		return d
	},
	"chebyshev": func(a, b []float64) float64 {
		d := 0.0
		for i := range a {
			d = math.Max(d, math.Abs(a[i]-b[i]))
		}
		return d
	},
}

func squaredDistance(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		diff := a[i] - b[i]
		d += diff * diff
	}
	return d
}

type neighborsCreator struct{ base }

func (neighborsCreator) Name() string        { return NeighborsName }
func (neighborsCreator) Kind() registry.Kind { return registry.KindContext }

func (c neighborsCreator) Fields(registry.CreateParams) ([]batch.RootFieldSpec, error) {
	return []batch.RootFieldSpec{contextField(c.Name(), runner.ContextNeighborsField)}, nil
}

// Create reads search_radius and distance_function from the globals'
// topology section, falling back to the package config.
func (c neighborsCreator) Create(params registry.CreateParams) (registry.Package, error) {
	p := &neighbors{radius: defaultSearchRadius, distance: distanceFuncs["euclidean"]}
	for _, section := range []map[string]any{params.PackageConfig(c.Name()), sectionOf(params.Globals, "topology")} {
		if v, ok := section["search_radius"]; ok {
			r, ok := toFloat(v)
			if !ok || r < 0 {
				return nil, fmt.Errorf("%w: search_radius must be a non-negative number", registry.ErrPackageCreation)
			}
			p.radius = r
		}
		if v, ok := section["distance_function"]; ok {
			name, _ := v.(string)
			fn, ok := distanceFuncs[name]
			if !ok {
				return nil, fmt.Errorf("%w: unknown distance_function %v", registry.ErrPackageCreation, v)
			}
			p.distance = fn
		}
	}
	return p, nil
}

func sectionOf(m map[string]any, key string) map[string]any {
	v, _ := lookup(m, key)
	section, _ := v.(map[string]any)
	return section
}

// neighbors lists, for every positioned agent, the other agents within
// the search radius
type neighbors struct {
	radius   float64
	distance distanceFunc
}

func (p *neighbors) Name() string { return NeighborsName }

func (p *neighbors) Run(ctx context.Context, snap *batch.StateSnapshot) ([]registry.ContextColumn, error) {
	agents := snap.AllAgents()
	positions := make([][]float64, len(agents))
	for i, a := range agents {
		positions[i] = position(a)
	}

	values := make([]any, len(agents))
	for i := range agents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found := []any{}
		if positions[i] != nil {
			for j, other := range agents {
				if i == j || len(positions[j]) != len(positions[i]) {
					continue
				}
				if p.distance(positions[i], positions[j]) <= p.radius {
					found = append(found, other)
				}
			}
		}
		values[i] = found
	}
	return []registry.ContextColumn{{Field: runner.ContextNeighborsField, Values: values}}, nil
}

func position(agent map[string]any) []float64 {
	raw, ok := agent[batch.PositionField].([]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		f, ok := toFloat(v)
		if !ok {
			return nil
		}
		out[i] = f
	}
	return out
}
