package taskrunner

import (
	"time"

	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/connpool"
	"github.com/wehubfusion/Talos/pkg/memory"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/retry"
	"github.com/wehubfusion/Talos/pkg/worker"
)

// Config wires every component the runner builds in New
type Config struct {
	// DirectThreshold is the node count below which workflows skip the level barrier
	DirectThreshold int `yaml:"direct_threshold" validate:"min=0"`
	// DefaultPriority applies when a request names none
	DefaultPriority string `yaml:"default_priority" validate:"omitempty,oneof=critical high normal low"`
	// SinkTimeout bounds the persistence of one execution
	SinkTimeout time.Duration `yaml:"sink_timeout" validate:"gt=0"`

	EnableCache         bool `yaml:"enable_cache"`
	EnableConnections   bool `yaml:"enable_connections"`
	EnableMemoryMonitor bool `yaml:"enable_memory_monitor"`

	Queue       queue.Config    `yaml:"queue"`
	Workers     worker.Config   `yaml:"workers"`
	Retry       retry.Config    `yaml:"retry"`
	Cache       cache.Config    `yaml:"cache"`
	Connections connpool.Config `yaml:"connections"`
	Memory      memory.Config   `yaml:"memory"`
}

// DefaultConfig returns the default runner wiring
func DefaultConfig() Config {
	return Config{
		DirectThreshold:     10,
		DefaultPriority:     "normal",
		SinkTimeout:         10 * time.Second,
		EnableCache:         true,
		EnableConnections:   true,
		EnableMemoryMonitor: true,
		Queue:               queue.DefaultConfig(),
		Workers:             worker.DefaultConfig(),
		Retry:               retry.DefaultConfig(),
		Cache:               cache.DefaultConfig(),
		Connections:         connpool.DefaultConfig(),
		Memory:              memory.DefaultConfig(),
	}
}
