// Package config loads the engine configuration and experiment manifests.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	hostruntime "github.com/nmxmxh/simkernel/kernel/runtime"
	"github.com/nmxmxh/simkernel/kernel/utils"
)

// EnvPrefix prefixes every environment variable the engine reads
const EnvPrefix = "SIM_ENGINE"

var ErrInvalidConfig = errors.New("invalid engine config")

// EngineConfig configures the engine process
type EngineConfig struct {
	NumWorkers        int           `mapstructure:"num_workers"`
	MaxChainDepth     int           `mapstructure:"max_chain_depth"`
	TerminateTimeout  time.Duration `mapstructure:"terminate_timeout"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	OutputDir         string        `mapstructure:"output_dir"`
	OutputCompression string        `mapstructure:"output_compression"`
	OrchestratorURL   string        `mapstructure:"orchestrator_url"`
	LogLevel          string        `mapstructure:"log_level"`
	ShmDir            string        `mapstructure:"shm_dir"`
	TargetGroupSize   int           `mapstructure:"target_group_size"`
}

// DefaultEngineConfig returns the built-in defaults
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		NumWorkers:        hostruntime.DefaultWorkers(),
		MaxChainDepth:     64,
		TerminateTimeout:  5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		OutputDir:         "./output",
		OutputCompression: "none",
		LogLevel:          "info",
		TargetGroupSize:   1000,
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultEngineConfig()
	v.SetDefault("num_workers", d.NumWorkers)
	v.SetDefault("max_chain_depth", d.MaxChainDepth)
	v.SetDefault("terminate_timeout", d.TerminateTimeout)
	v.SetDefault("handshake_timeout", d.HandshakeTimeout)
	v.SetDefault("output_dir", d.OutputDir)
	v.SetDefault("output_compression", d.OutputCompression)
	v.SetDefault("orchestrator_url", d.OrchestratorURL)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("shm_dir", d.ShmDir)
	v.SetDefault("target_group_size", d.TargetGroupSize)
}

// RegisterFlags adds a flag for every engine setting. Flag names use
// dashes; LoadEngineConfig maps them onto the settings.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultEngineConfig()
	fs.Int("num-workers", d.NumWorkers, "number of worker goroutines")
	fs.Int("max-chain-depth", d.MaxChainDepth, "maximum runner hops of one task")
	fs.Duration("terminate-timeout", d.TerminateTimeout, "how long workers get to acknowledge termination")
	fs.Duration("handshake-timeout", d.HandshakeTimeout, "how long to wait for the orchestrator's experiment")
	fs.String("output-dir", d.OutputDir, "directory for simulation outputs")
	fs.String("output-compression", d.OutputCompression, "output compression: none, brotli or zstd")
	fs.String("orchestrator-url", d.OrchestratorURL, "websocket url of the orchestrator")
	fs.String("log-level", d.LogLevel, "log level")
	fs.String("shm-dir", d.ShmDir, "shared memory directory, empty for the platform default")
	fs.Int("target-group-size", d.TargetGroupSize, "agents per batch")
}

// LoadEngineConfig merges defaults, an optional config file, SIM_ENGINE_*
// environment variables and flags, in increasing priority
func LoadEngineConfig(file string, fs *pflag.FlagSet) (EngineConfig, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return EngineConfig{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return EngineConfig{}, bindErr
		}
	}

	var cfg EngineConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return EngineConfig{}, fmt.Errorf("decode engine config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks value ranges
func (c EngineConfig) Validate() error {
	var errs []error
	if c.NumWorkers < 1 {
		errs = append(errs, fmt.Errorf("num_workers must be at least 1, got %d", c.NumWorkers))
	}
	if c.MaxChainDepth < 1 {
		errs = append(errs, fmt.Errorf("max_chain_depth must be at least 1, got %d", c.MaxChainDepth))
	}
	if c.TargetGroupSize < 1 {
		errs = append(errs, fmt.Errorf("target_group_size must be at least 1, got %d", c.TargetGroupSize))
	}
	if c.TerminateTimeout <= 0 {
		errs = append(errs, fmt.Errorf("terminate_timeout must be positive"))
	}
	if _, err := utils.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.OutputCompression {
	case "", "none", "brotli", "br", "zstd":
	default:
		errs = append(errs, fmt.Errorf("unknown output_compression %q", c.OutputCompression))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
