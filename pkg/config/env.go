package config

import (
	"strconv"
	"time"

	talerrors "github.com/wehubfusion/Talos/pkg/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TALOS_"

type envBinding struct {
	key   string
	apply func(c *Config, v string) error
}

// envBindings lists the supported overrides. Worker bounds are handled by
// concurrency.DetectSizing (TALOS_WORKER_MIN, TALOS_WORKER_MAX, TALOS_WORKER_MULTIPLIER).
var envBindings = []envBinding{
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"LOG_OUTPUT", func(c *Config, v string) error { c.Logging.Output = v; return nil }},
	{"LOG_FILE", func(c *Config, v string) error { c.Logging.FilePath = v; return nil }},

	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Tracing.OTLPEndpoint = v
		c.Tracing.Enabled = v != ""
		return nil
	}},
	{"TRACE_SAMPLE_RATIO", floatVar(func(c *Config) *float64 { return &c.Tracing.SampleRatio })},
	{"ENVIRONMENT", func(c *Config, v string) error {
		c.Tracing.Environment = v
		c.Alerting.Environment = v
		return nil
	}},

	{"DIRECT_THRESHOLD", intVar(func(c *Config) *int { return &c.Runner.DirectThreshold })},
	{"DEFAULT_PRIORITY", func(c *Config, v string) error { c.Runner.DefaultPriority = v; return nil }},
	{"QUEUE_MAX_SIZE", intVar(func(c *Config) *int { return &c.Runner.Queue.MaxSize })},
	{"TASK_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Runner.Workers.DefaultTaskTimeout })},
	{"RETRY_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.Runner.Retry.MaxAttempts })},
	{"CACHE_ENABLED", boolVar(func(c *Config) *bool { return &c.Runner.EnableCache })},
	{"CACHE_MAX_ENTRIES", intVar(func(c *Config) *int { return &c.Runner.Cache.MaxEntries })},
	{"CACHE_TTL", durationVar(func(c *Config) *time.Duration { return &c.Runner.Cache.DefaultTTL })},

	{"NATS_URL", func(c *Config, v string) error {
		c.Events.NATS.URL = v
		c.Events.NATS.Enabled = v != ""
		return nil
	}},
	{"REDIS_ADDR", func(c *Config, v string) error {
		c.Storage.Redis.Addr = v
		c.Storage.Redis.Enabled = v != ""
		return nil
	}},
	{"REDIS_PASSWORD", func(c *Config, v string) error { c.Storage.Redis.Password = v; return nil }},
	{"BLOB_CONNECTION_STRING", func(c *Config, v string) error {
		c.Storage.Blob.ConnectionString = v
		c.Storage.Blob.Enabled = v != ""
		return nil
	}},
	{"BLOB_CONTAINER", func(c *Config, v string) error { c.Storage.Blob.Container = v; return nil }},
	{"SENTRY_DSN", func(c *Config, v string) error { c.Alerting.DSN = v; return nil }},

	{"HTTP_ADDR", func(c *Config, v string) error { c.Server.HTTPAddr = v; return nil }},
	{"GRPC_ADDR", func(c *Config, v string) error { c.Server.GRPCAddr = v; return nil }},
}

// applyEnv applies every override that lookup finds
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		key := EnvPrefix + b.key
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := b.apply(c, v); err != nil {
			return talerrors.New(talerrors.KindConfiguration, "invalid value for "+key, err)
		}
	}
	return nil
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func boolVar(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
