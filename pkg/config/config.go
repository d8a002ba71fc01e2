// Package config assembles the configuration of every Talos component.
//
// Values are resolved with priority: environment variables (TALOS_*) > YAML
// file > defaults. Worker sizing additionally honours the container-aware
// detection in package concurrency.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Talos/internal/alerting"
	natsconn "github.com/wehubfusion/Talos/internal/nats"
	"github.com/wehubfusion/Talos/internal/server"
	"github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	talerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/events"
	"github.com/wehubfusion/Talos/pkg/logging"
	"github.com/wehubfusion/Talos/pkg/storage"
	"github.com/wehubfusion/Talos/pkg/taskrunner"
)

// ServiceName names the process in traces and alerts
const ServiceName = "talos"

// Config is the complete process configuration
type Config struct {
	Logging  logging.Config    `yaml:"logging"`
	Tracing  tracing.Config    `yaml:"tracing"`
	Runner   taskrunner.Config `yaml:"runner"`
	Events   EventsConfig      `yaml:"events"`
	Storage  StorageConfig     `yaml:"storage"`
	Alerting alerting.Config   `yaml:"alerting"`
	Server   server.Config     `yaml:"server"`
}

// EventsConfig selects where runtime events go. The in-process bus always runs.
type EventsConfig struct {
	Bus  events.BusConfig          `yaml:"bus"`
	NATS natsconn.ConnectionConfig `yaml:"nats"`
}

// StorageConfig selects the result sinks
type StorageConfig struct {
	Blob  storage.BlobConfig  `yaml:"blob"`
	Redis storage.RedisConfig `yaml:"redis"`
}

// Default returns the documented defaults
func Default() Config {
	redis := storage.RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: storage.DefaultRedisKeyPrefix,
	}
	return Config{
		Logging:  logging.DefaultConfig(),
		Tracing:  tracing.DefaultConfig(ServiceName),
		Runner:   taskrunner.DefaultConfig(),
		Events:   EventsConfig{Bus: events.DefaultBusConfig(), NATS: natsconn.DefaultConnectionConfig("nats://localhost:4222")},
		Storage:  StorageConfig{Blob: storage.DefaultBlobConfig(), Redis: redis},
		Alerting: alerting.DefaultConfig(),
		Server:   server.DefaultConfig(),
	}
}

// Load reads path (optional) over the defaults, applies environment overrides
// and validates the result
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, talerrors.New(talerrors.KindConfiguration, "failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, talerrors.New(talerrors.KindConfiguration, "failed to parse config file", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	sizing := concurrency.DetectSizing(cfg.Runner.Workers.MinWorkers, cfg.Runner.Workers.MaxWorkers)
	cfg.Runner.Workers.MinWorkers = sizing.MinWorkers
	cfg.Runner.Workers.MaxWorkers = sizing.MaxWorkers

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every component section
func (c Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describe(fe))
			}
			return talerrors.Newf(talerrors.KindConfiguration, "invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return talerrors.New(talerrors.KindConfiguration, "invalid configuration", err)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report yaml paths so messages match the file the operator edits
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(validateRunner, taskrunner.Config{})
	return v
}

// validateRunner holds the rules that span two component sections
func validateRunner(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(taskrunner.Config)
	if cfg.EnableMemoryMonitor && cfg.Memory.AggressiveEvictRatio <= 0 && cfg.EnableCache {
		sl.ReportError(cfg.Memory.AggressiveEvictRatio, "memory.aggressive_evict_ratio", "AggressiveEvictRatio", "gt_with_cache", "")
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		sl.ReportError(cfg.Retry.MaxDelay, "retry.max_delay", "MaxDelay", "gtefield_base_delay", "")
	}
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s fails %s", field, fe.Tag())
}
