package worker

import "time"

// Config holds worker pool sizing, health and shutdown settings
type Config struct {
	MinWorkers int `yaml:"min_workers" validate:"min=1"`
	MaxWorkers int `yaml:"max_workers" validate:"gtefield=MinWorkers"`

	// MonitorInterval is the supervisor tick
	MonitorInterval time.Duration `yaml:"monitor_interval" validate:"gt=0"`
	// ScaleUpThreshold is the queue depth that triggers growth; SetTargetQueueDepth changes it at runtime
	ScaleUpThreshold int `yaml:"scale_up_threshold" validate:"min=0"`
	// ScaleUpSustain is how long depth must stay above the threshold before adding a worker
	ScaleUpSustain       time.Duration `yaml:"scale_up_sustain" validate:"min=0"`
	ScaleDownIdleTimeout time.Duration `yaml:"scale_down_idle_timeout" validate:"gt=0"`

	// HeartbeatInterval bounds the time between two heartbeats of a healthy worker
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout" validate:"gtfield=HeartbeatInterval"`
	AutoRestart       bool          `yaml:"auto_restart"`

	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout" validate:"gt=0"`
}

// DefaultConfig returns the default worker pool settings
func DefaultConfig() Config {
	return Config{
		MinWorkers:           2,
		MaxWorkers:           16,
		MonitorInterval:      time.Second,
		ScaleUpThreshold:     10,
		ScaleUpSustain:       5 * time.Second,
		ScaleDownIdleTimeout: time.Minute,
		HeartbeatInterval:    time.Second,
		HeartbeatTimeout:     30 * time.Second,
		AutoRestart:          true,
		ShutdownTimeout:      30 * time.Second,
		DefaultTaskTimeout:   5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinWorkers <= 0 {
		c.MinWorkers = def.MinWorkers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = def.MonitorInterval
	}
	if c.ScaleUpThreshold < 0 {
		c.ScaleUpThreshold = 0
	}
	if c.ScaleDownIdleTimeout <= 0 {
		c.ScaleDownIdleTimeout = def.ScaleDownIdleTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		c.HeartbeatTimeout = 3 * c.HeartbeatInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	return c
}
