package supervisor

import (
	"github.com/nmxmxh/simkernel/kernel/threads/foundation"
	"github.com/nmxmxh/simkernel/kernel/threads/runner"
	"github.com/nmxmxh/simkernel/kernel/threads/runner/js"
	"github.com/nmxmxh/simkernel/kernel/threads/runner/native"
	"github.com/nmxmxh/simkernel/kernel/threads/runner/py"
	"github.com/nmxmxh/simkernel/kernel/threads/runner/wasm"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// FactoryFor returns the runner factory of lang
func FactoryFor(lang foundation.Language) RunnerFactory {
	switch lang {
	case foundation.LanguagePython:
		return func(logger *utils.Logger) (runner.Runner, error) {
			return py.NewRunner(logger.Named("python")), nil
		}
	case foundation.LanguageJavaScript:
		return func(logger *utils.Logger) (runner.Runner, error) {
			return js.NewRunner(logger.Named("javascript"))
		}
	case foundation.LanguageWasm:
		return func(logger *utils.Logger) (runner.Runner, error) {
			return wasm.NewRunner(logger.Named("wasm")), nil
		}
	default:
		return func(logger *utils.Logger) (runner.Runner, error) {
			return native.NewRunner(logger.Named("rust")), nil
		}
	}
}

// DefaultFactories creates a runner for every supported language
func DefaultFactories() []RunnerFactory {
	langs := foundation.Languages()
	out := make([]RunnerFactory, len(langs))
	for i, lang := range langs {
		out[i] = FactoryFor(lang)
	}
	return out
}

// FactoriesFor creates runners for the given languages only
func FactoriesFor(langs ...foundation.Language) []RunnerFactory {
	out := make([]RunnerFactory, len(langs))
	for i, lang := range langs {
		out[i] = FactoryFor(lang)
	}
	return out
}
