package units

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/nmxmxh/simkernel/kernel/threads/batch"
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// Op is one stage of a metric pipeline
type Op struct {
	Op         string `json:"op"`
	Field      string `json:"field,omitempty"`
	Comparison string `json:"comparison,omitempty"`
	Value      any    `json:"value,omitempty"`
}

// AnalysisSpec is the contents of analysis.json
type AnalysisSpec struct {
	Outputs map[string][]Op `json:"outputs"`
}

// ParseAnalysis decodes and checks an analysis definition. Every pipeline
// starts on the agent list, may filter it and get one field from each
// agent, and ends in one of count, sum, min, max or mean.
func ParseAnalysis(data []byte) (*AnalysisSpec, error) {
	var spec AnalysisSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("analysis definition: %w", err)
	}
	for name, ops := range spec.Outputs {
		if err := validatePipeline(ops); err != nil {
			return nil, fmt.Errorf("analysis output %q: %w", name, err)
		}
	}
	return &spec, nil
}

var comparisons = map[string]bool{"eq": true, "neq": true, "lt": true, "lte": true, "gt": true, "gte": true}

func validatePipeline(ops []Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("no operations")
	}
	gotValues := false
	for i, op := range ops {
		last := i == len(ops)-1
		switch op.Op {
		case "filter":
			if !comparisons[op.Comparison] {
				return fmt.Errorf("op %d: unknown comparison %q", i, op.Comparison)
			}
			if !gotValues && op.Field == "" {
				return fmt.Errorf("op %d: filter on agents needs a field", i)
			}
		case "get":
			if gotValues || op.Field == "" {
				return fmt.Errorf("op %d: get needs a field and agent input", i)
			}
			gotValues = true
		case "count":
		case "sum", "min", "max", "mean":
			if !gotValues {
				return fmt.Errorf("op %d: %s needs a get first", i, op.Op)
			}
		default:
			return fmt.Errorf("op %d: unknown op %q", i, op.Op)
		}
		reducer := op.Op == "count" || op.Op == "sum" || op.Op == "min" || op.Op == "max" || op.Op == "mean"
		if reducer != last {
			return fmt.Errorf("op %d: pipelines end with exactly one of count, sum, min, max, mean", i)
		}
	}
	return nil
}

// Evaluate runs a validated pipeline over agents. The result is nil when
// it is undefined, such as the mean of nothing.
func Evaluate(ops []Op, agents []map[string]any) *float64 {
	items := make([]any, len(agents))
	for i, a := range agents {
		items[i] = a
	}
	for _, op := range ops {
		switch op.Op {
		case "filter":
			kept := items[:0:0]
			for _, item := range items {
				v := item
				if op.Field != "" {
					if agent, ok := item.(map[string]any); ok {
						v, _ = lookup(agent, strings.Split(op.Field, ".")...)
					}
				}
				if compare(op.Comparison, v, op.Value) {
					kept = append(kept, item)
				}
			}
			items = kept
		case "get":
			values := make([]any, 0, len(items))
			for _, item := range items {
				agent, _ := item.(map[string]any)
				if v, ok := lookup(agent, strings.Split(op.Field, ".")...); ok && v != nil {
					values = append(values, v)
				}
			}
			items = values
		case "count":
			n := float64(len(items))
			return &n
		default:
			return reduce(op.Op, items)
		}
	}
	return nil
}

func reduce(op string, items []any) *float64 {
	var nums []float64
	for _, item := range items {
		if f, ok := toFloat(item); ok {
			nums = append(nums, f)
		}
	}
	if op == "sum" {
		s := 0.0
		for _, n := range nums {
			s += n
		}
		return &s
	}
	if len(nums) == 0 {
		return nil
	}
	r := nums[0]
	switch op {
	case "min":
		for _, n := range nums[1:] {
			r = math.Min(r, n)
		}
	case "max":
		for _, n := range nums[1:] {
			r = math.Max(r, n)
		}
	case "mean":
		for _, n := range nums[1:] {
			r += n
		}
		r /= float64(len(nums))
	}
	return &r
}

func compare(cmp string, a, b any) bool {
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum && bNum {
		switch cmp {
		case "eq":
			return fa == fb
		case "neq":
			return fa != fb
		case "lt":
			return fa < fb
		case "lte":
			return fa <= fb
		case "gt":
			return fa > fb
		case "gte":
			return fa >= fb
		}
		return false
	}
	switch cmp {
	case "eq":
		return reflect.DeepEqual(a, b)
	case "neq":
		return !reflect.DeepEqual(a, b)
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if !aStr || !bStr {
		return false
	}
	switch cmp {
	case "lt":
		return sa < sb
	case "lte":
		return sa <= sb
	case "gt":
		return sa > sb
	case "gte":
		return sa >= sb
	}
	return false
}

type analysisCreator struct{ base }

func (analysisCreator) Name() string        { return AnalysisName }
func (analysisCreator) Kind() registry.Kind { return registry.KindOutput }

// Create reads the definition from the package config, either inline or
// as an analysis.json text under "source"
func (c analysisCreator) Create(params registry.CreateParams) (registry.Package, error) {
	section := params.PackageConfig(c.Name())
	var raw []byte
	if src, ok := section["source"].(string); ok {
		raw = []byte(src)
	} else if section != nil {
		var err error
		if raw, err = json.Marshal(section); err != nil {
			return nil, fmt.Errorf("%w: %v", registry.ErrPackageCreation, err)
		}
	} else {
		return nil, fmt.Errorf("%w: %s needs an analysis definition", registry.ErrPackageCreation, c.Name())
	}
	spec, err := ParseAnalysis(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrPackageCreation, err)
	}
	names := make([]string, 0, len(spec.Outputs))
	for name := range spec.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	logger := params.Logger
	if logger == nil {
		logger = utils.DefaultLogger(c.Name())
	}
	return &Analysis{
		simID:  params.SimID,
		spec:   spec,
		names:  names,
		sink:   params.Persist,
		series: make(map[string][]*float64, len(names)),
		logger: logger,
	}, nil
}

// Analysis computes the metrics of analysis.json every step
type Analysis struct {
	simID  foundation.SimulationID
	spec   *AnalysisSpec
	names  []string
	sink   registry.OutputSink
	series map[string][]*float64
	logger *utils.Logger
}

func (p *Analysis) Name() string { return AnalysisName }

func (p *Analysis) Run(ctx context.Context, state *batch.State, sctx *batch.Context) (registry.Output, error) {
	step := stepOf(sctx)
	out := registry.Output{Package: p.Name(), Step: step}
	snap, err := state.Snapshot(ctx)
	if err != nil {
		return out, err
	}
	agents := snap.AllAgents()
	values := make(map[string]*float64, len(p.names))
	for _, name := range p.names {
		v := Evaluate(p.spec.Outputs[name], agents)
		values[name] = v
		p.series[name] = append(p.series[name], v)
		if v != nil && p.sink != nil {
			if err := p.sink.RecordMetric(p.simID, name, step, *v); err != nil {
				p.logger.Warn("recording metric failed", utils.String("metric", name), utils.Int("step", step), utils.Err(err))
			}
		}
	}
	if out.Data, err = json.Marshal(values); err != nil {
		return out, err
	}
	return out, nil
}

// Series returns the values of metric recorded so far
func (p *Analysis) Series(metric string) []*float64 {
	return append([]*float64(nil), p.series[metric]...)
}

// Finalize returns every metric's full series
func (p *Analysis) Finalize(context.Context) (registry.Output, error) {
	out := registry.Output{Package: p.Name(), Step: -1}
	data, err := json.Marshal(p.series)
	if err != nil {
		return out, err
	}
	if p.sink != nil {
		if err := p.sink.WriteFinal(p.simID, p.Name(), data); err != nil {
			return out, err
		}
	}
	out.Data = data
	return out, nil
}
