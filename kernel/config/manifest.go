package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
)

var ErrInvalidManifest = errors.New("invalid experiment manifest")

// InitSource is the initial state: inline in src, or a file at path
// relative to the manifest
type InitSource struct {
	Name string `yaml:"name" json:"name"`
	Src  string `yaml:"src,omitempty" json:"src,omitempty"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// PackageSelection names the packages of each phase. Init is optional;
// when empty, the first init package supporting the source is used.
type PackageSelection struct {
	Init    string   `yaml:"init,omitempty" json:"init,omitempty"`
	Context []string `yaml:"context" json:"context"`
	State   []string `yaml:"state" json:"state"`
	Output  []string `yaml:"output" json:"output"`
}

// BehaviorSource describes one user behavior. Keys holds the contents of
// the behavior's keys file.
type BehaviorSource struct {
	Name       string         `yaml:"name" json:"name"`
	ShortNames []string       `yaml:"shortnames,omitempty" json:"shortnames,omitempty"`
	Src        string         `yaml:"src,omitempty" json:"src,omitempty"`
	Path       string         `yaml:"path,omitempty" json:"path,omitempty"`
	Keys       map[string]any `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// Manifest describes an experiment: one or more simulation runs sharing
// packages, behaviors and datasets
type Manifest struct {
	Name          string                    `yaml:"name" json:"name"`
	Globals       map[string]any            `yaml:"globals" json:"globals"`
	GlobalsSchema map[string]any            `yaml:"globals_schema,omitempty" json:"globals_schema,omitempty"`
	Init          InitSource                `yaml:"init" json:"init"`
	Packages      *PackageSelection         `yaml:"packages,omitempty" json:"packages,omitempty"`
	PackageConfig map[string]map[string]any `yaml:"package_config,omitempty" json:"package_config,omitempty"`
	Behaviors     []BehaviorSource          `yaml:"behaviors" json:"behaviors"`
	Datasets      map[string]any            `yaml:"datasets,omitempty" json:"datasets,omitempty"`
	MaxSteps      int                       `yaml:"max_steps" json:"max_steps"`
	// Runs override globals per simulation run; none means one run
	Runs            []map[string]any `yaml:"runs,omitempty" json:"runs,omitempty"`
	TargetGroupSize int              `yaml:"target_group_size,omitempty" json:"target_group_size,omitempty"`

	dir string
}

// LoadManifest reads a manifest file. Relative paths inside it resolve
// against its directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	if err := m.resolveFiles(); err != nil {
		return nil, err
	}
	return m, m.Validate()
}

// ParseManifest decodes YAML (or JSON) manifest bytes. Decoded values are
// normalized to their JSON forms, so numbers are float64.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	var err error
	if m.Globals, err = normalizeMap(m.Globals); err != nil {
		return nil, err
	}
	if m.Datasets, err = normalizeMap(m.Datasets); err != nil {
		return nil, err
	}
	for i := range m.Runs {
		if m.Runs[i], err = normalizeMap(m.Runs[i]); err != nil {
			return nil, err
		}
	}
	for name, section := range m.PackageConfig {
		if m.PackageConfig[name], err = normalizeMap(section); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Bytes encodes the manifest with every referenced file inlined, for
// sending it to an engine that cannot read the manifest's directory
func (m *Manifest) Bytes() ([]byte, error) {
	out := *m
	out.Init.Path = ""
	out.Behaviors = make([]BehaviorSource, len(m.Behaviors))
	for i, b := range m.Behaviors {
		b.Path = ""
		out.Behaviors[i] = b
	}
	data, err := yaml.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return out, nil
}

func (m *Manifest) readFile(rel string) (string, error) {
	path := rel
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, rel)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	return string(data), nil
}

func (m *Manifest) resolveFiles() error {
	if m.Init.Src == "" && m.Init.Path != "" {
		src, err := m.readFile(m.Init.Path)
		if err != nil {
			return err
		}
		m.Init.Src = src
		if m.Init.Name == "" {
			m.Init.Name = filepath.Base(m.Init.Path)
		}
	}
	for i := range m.Behaviors {
		b := &m.Behaviors[i]
		if b.Src != "" || b.Path == "" {
			continue
		}
		src, err := m.readFile(b.Path)
		if err != nil {
			return err
		}
		b.Src = src
	}
	return nil
}

// Validate checks the manifest is complete
func (m *Manifest) Validate() error {
	var errs []error
	if m.Init.Name == "" {
		errs = append(errs, errors.New("init.name is required"))
	}
	if m.MaxSteps < 0 {
		errs = append(errs, fmt.Errorf("max_steps must not be negative, got %d", m.MaxSteps))
	}
	if m.TargetGroupSize < 0 {
		errs = append(errs, fmt.Errorf("target_group_size must not be negative"))
	}
	seen := make(map[string]bool)
	for i, b := range m.Behaviors {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("behaviors[%d] has no name", i))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("behavior %s is listed twice", b.Name))
		}
		seen[b.Name] = true
		if _, err := foundation.LanguageFromPath(b.Name); err != nil {
			errs = append(errs, fmt.Errorf("behavior %s: %w", b.Name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidManifest, errors.Join(errs...))
	}
	return nil
}

// UserBehaviors converts the manifest's behaviors to runner descriptors
func (m *Manifest) UserBehaviors() ([]runner.Behavior, error) {
	out := make([]runner.Behavior, 0, len(m.Behaviors))
	for _, b := range m.Behaviors {
		behavior := runner.Behavior{ID: b.Name, Name: b.Name, ShortNames: b.ShortNames}
		if b.Src != "" {
			src := b.Src
			behavior.Source = &src
		}
		if b.Keys != nil {
			keys, err := json.Marshal(b.Keys)
			if err != nil {
				return nil, fmt.Errorf("%w: keys of %s: %v", ErrInvalidManifest, b.Name, err)
			}
			s := string(keys)
			behavior.KeysSource = &s
		}
		out = append(out, behavior)
	}
	return out, nil
}

// SimulationRun is everything the controller needs for one run
type SimulationRun struct {
	SimID         foundation.SimulationID
	Experiment    string
	Globals       map[string]any
	GlobalsSchema map[string]any
	Init          *registry.InitConfig
	InitPackage   string
	Packages      map[registry.Kind][]string
	PackageConfig map[string]any
	Behaviors     []runner.Behavior
	Datasets      map[string]any
	MaxSteps      int
	GroupSize     int
}

// SimulationRuns expands the manifest into its runs. Packages fall back to
// defaults when the manifest does not select any; builtins are added to
// the user's behaviors.
func (m *Manifest) SimulationRuns(defaults map[registry.Kind][]string, builtins []runner.Behavior, groupSize int) ([]*SimulationRun, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	user, err := m.UserBehaviors()
	if err != nil {
		return nil, err
	}
	behaviors := append(append([]runner.Behavior{}, builtins...), user...)

	packages := defaults
	initPkg := ""
	if m.Packages != nil {
		packages = map[registry.Kind][]string{
			registry.KindContext: m.Packages.Context,
			registry.KindState:   m.Packages.State,
			registry.KindOutput:  m.Packages.Output,
		}
		initPkg = m.Packages.Init
	}
	pkgConfig := make(map[string]any, len(m.PackageConfig))
	for name, section := range m.PackageConfig {
		pkgConfig[name] = section
	}
	if m.TargetGroupSize > 0 {
		groupSize = m.TargetGroupSize
	}

	overrides := m.Runs
	if len(overrides) == 0 {
		overrides = []map[string]any{nil}
	}
	runs := make([]*SimulationRun, len(overrides))
	for i, o := range overrides {
		globals := make(map[string]any, len(m.Globals)+len(o))
		for k, v := range m.Globals {
			globals[k] = v
		}
		for k, v := range o {
			globals[k] = v
		}
		runs[i] = &SimulationRun{
			SimID:         foundation.SimulationID(i + 1),
			Experiment:    m.Name,
			Globals:       globals,
			GlobalsSchema: m.GlobalsSchema,
			Init:          &registry.InitConfig{Name: m.Init.Name, Source: m.Init.Src},
			InitPackage:   initPkg,
			Packages:      packages,
			PackageConfig: pkgConfig,
			Behaviors:     behaviors,
			Datasets:      m.Datasets,
			MaxSteps:      m.MaxSteps,
			GroupSize:     groupSize,
		}
	}
	return runs, nil
}
