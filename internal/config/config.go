// Package config loads run settings from defaults, a YAML file, ALMLP_
// environment variables and explicitly set command-line flags, in that order
// of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const EnvPrefix = "ALMLP_"

// Settings is the flat configuration surface of both learning loops.
type Settings struct {
	MaxIterations       int      `koanf:"max_iterations" json:"max_iterations" validate:"gte=0"`
	SamplesToRetrain    int      `koanf:"samples_to_retrain" json:"samples_to_retrain" validate:"gte=1"`
	StatUncertainTol    float64  `koanf:"stat_uncertain_tol" json:"stat_uncertain_tol" validate:"gte=0"`
	DynUncertainTol     float64  `koanf:"dyn_uncertain_tol" json:"dyn_uncertain_tol" validate:"gte=0"`
	FmaxVerifyThreshold *float64 `koanf:"fmax_verify_threshold" json:"fmax_verify_threshold,omitempty" validate:"omitempty,gte=0"`
	MaxParentCalls      *int     `koanf:"max_parent_calls" json:"max_parent_calls,omitempty" validate:"omitempty,gte=0"`

	QueryStrategy  string  `koanf:"query_strategy" json:"query_strategy" validate:"oneof=random uncertainty maxmin"`
	Termination    string  `koanf:"termination" json:"termination" validate:"oneof=max_rounds convergence"`
	ConvergenceTol float64 `koanf:"convergence_tol" json:"convergence_tol" validate:"gte=0"`
	Seed           int64   `koanf:"seed" json:"seed"`

	Filename string `koanf:"filename" json:"filename" validate:"required"`
	FileDir  string `koanf:"file_dir" json:"file_dir"`

	Store        string `koanf:"store" json:"store" validate:"oneof=memory sqlite badger"`
	DBPath       string `koanf:"db_path" json:"db_path"`
	ArtifactsDir string `koanf:"artifacts_dir" json:"artifacts_dir"`

	LogLevel    string `koanf:"log_level" json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string `koanf:"log_format" json:"log_format" validate:"oneof=text json"`
	MetricsAddr string `koanf:"metrics_addr" json:"metrics_addr"`

	DriverFmax     float64 `koanf:"driver_fmax" json:"driver_fmax" validate:"gt=0"`
	DriverSteps    int     `koanf:"driver_steps" json:"driver_steps" validate:"gte=1"`
	DriverStepSize float64 `koanf:"driver_step_size" json:"driver_step_size" validate:"gt=0"`

	Neighbors     int     `koanf:"neighbors" json:"neighbors" validate:"gte=1"`
	DistanceScale float64 `koanf:"distance_scale" json:"distance_scale" validate:"gte=0"`

	// Structures is a YAML file of starting structures; empty uses a
	// generated cluster.
	Structures string `koanf:"structures" json:"structures,omitempty"`
}

func Defaults() map[string]any {
	return map[string]any{
		"max_iterations":     10,
		"samples_to_retrain": 1,
		"stat_uncertain_tol": 0.05,
		"dyn_uncertain_tol":  0.1,
		"query_strategy":     "random",
		"termination":        "max_rounds",
		"convergence_tol":    0.01,
		"seed":               1,
		"filename":           "relax",
		"file_dir":           "",
		"store":              "memory",
		"db_path":            "",
		"artifacts_dir":      "artifacts",
		"log_level":          "info",
		"log_format":         "text",
		"metrics_addr":       "",
		"driver_fmax":        0.05,
		"driver_steps":       50,
		"driver_step_size":   0.01,
		"neighbors":          3,
		"distance_scale":     1.0,
		"structures":         "",
	}
}

var validate = validator.New()

// Validate checks field ranges and the combinations the loops rely on.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.Store == "sqlite" && s.DBPath == "" {
		return errors.New("invalid settings: db_path is required for the sqlite store")
	}
	return nil
}

// Load merges every source into Settings. cfgFile may be empty; flags may be
// nil. Only flags the user set explicitly override lower layers.
func Load(cfgFile string, flags *pflag.FlagSet) (Settings, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return Settings{}, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// ALMLP_MAX_PARENT_CALLS -> max_parent_calls
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return Settings{}, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return Settings{}, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var s Settings
	if err := k.UnmarshalWithConf("", &s, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Settings{}, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
