package units

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/registry"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

var ErrInitFailed = errors.New("initial state could not be built")

func requireInit(params registry.CreateParams, pkg string) (*registry.InitConfig, error) {
	if params.Init == nil {
		return nil, fmt.Errorf("%w: %s needs an initial state source", registry.ErrPackageCreation, pkg)
	}
	return params.Init, nil
}

type jsonInitCreator struct{ base }

func (jsonInitCreator) Name() string        { return JSONInitName }
func (jsonInitCreator) Kind() registry.Kind { return registry.KindInit }

func (jsonInitCreator) SupportsInit(name string) bool {
	return strings.EqualFold(path.Ext(name), ".json")
}

func (c jsonInitCreator) Create(params registry.CreateParams) (registry.Package, error) {
	init, err := requireInit(params, c.Name())
	if err != nil {
		return nil, err
	}
	return &jsonInit{source: init}, nil
}

// jsonInit reads the initial agents from a JSON array
type jsonInit struct {
	source *registry.InitConfig
}

func (p *jsonInit) Name() string { return JSONInitName }

func (p *jsonInit) Run(context.Context) ([]map[string]any, error) {
	var agents []map[string]any
	if err := json.Unmarshal([]byte(p.source.Source), &agents); err != nil {
		return nil, fmt.Errorf("%w: %s is not a JSON array of agents: %v", ErrInitFailed, p.source.Name, err)
	}
	if agents == nil {
		agents = []map[string]any{}
	}
	return agents, nil
}

type scriptInitCreator struct{ base }

func (scriptInitCreator) Name() string        { return ScriptInitName }
func (scriptInitCreator) Kind() registry.Kind { return registry.KindInit }

func (scriptInitCreator) SupportsInit(name string) bool {
	lang, err := foundation.LanguageFromPath(name)
	if err != nil {
		return false
	}
	return lang == foundation.LanguageJavaScript || lang == foundation.LanguagePython
}

func (c scriptInitCreator) Create(params registry.CreateParams) (registry.Package, error) {
	init, err := requireInit(params, c.Name())
	if err != nil {
		return nil, err
	}
	if params.Pool == nil {
		return nil, fmt.Errorf("%w: %s needs a worker pool", registry.ErrPackageCreation, c.Name())
	}
	lang, err := foundation.LanguageFromPath(init.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrPackageCreation, err)
	}
	logger := params.Logger
	if logger == nil {
		logger = utils.DefaultLogger(c.Name())
	}
	return &scriptInit{
		simID:  params.SimID,
		source: init,
		lang:   lang,
		pool:   params.Pool,
		logger: logger,
	}, nil
}

// scriptInit runs an init script on a runner of the script's language
type scriptInit struct {
	simID  foundation.SimulationID
	source *registry.InitConfig
	lang   foundation.Language
	pool   registry.TaskSubmitter
	logger *utils.Logger
}

func (p *scriptInit) Name() string { return ScriptInitName }

func (p *scriptInit) Run(ctx context.Context) ([]map[string]any, error) {
	task, err := foundation.NewTask(p.Name(), foundation.TargetForLanguage(p.lang), runner.Payload{
		Kind:   runner.PayloadInit,
		Name:   p.source.Name,
		Source: p.source.Source,
	}, foundation.Distribution{Kind: foundation.DistributionSingle})
	if err != nil {
		return nil, err
	}
	active, err := p.pool.Submit(ctx, p.simID, task, foundation.SharedStore{})
	if err != nil {
		return nil, fmt.Errorf("submit init task: %w", err)
	}
	res, err := active.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInitFailed, p.source.Name, err)
	}
	if res.Cancelled || res.Result == nil {
		return nil, fmt.Errorf("%w: %s was cancelled", ErrInitFailed, p.source.Name)
	}

	var agents *[]map[string]any
	if err := json.Unmarshal(res.Result.Payload, &agents); err != nil {
		return nil, fmt.Errorf("%w: decode agents of %s: %v", ErrInitFailed, p.source.Name, err)
	}
	if agents == nil {
		// The runner already reported the script's error as a user error.
		return nil, fmt.Errorf("%w: %s raised an error", ErrInitFailed, p.source.Name)
	}
	p.logger.Debug("init script finished", utils.String("init", p.source.Name), utils.Int("agents", len(*agents)))
	return *agents, nil
}
