package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a sizing value came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Sizing is the worker pool sizing derived from the runtime environment
type Sizing struct {
	MinWorkers    int
	MaxWorkers    int
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// DetectSizing computes worker bounds with priority: env vars > auto-detection > defaults.
// TALOS_WORKER_MAX and TALOS_WORKER_MIN win; TALOS_WORKER_MULTIPLIER scales the
// effective CPU count; otherwise the given defaults are returned.
func DetectSizing(defaultMin, defaultMax int) Sizing {
	s := Sizing{
		MinWorkers:    defaultMin,
		MaxWorkers:    defaultMax,
		Source:        ConfigSourceDefault,
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
	}

	if maxWorkers := getEnvInt("TALOS_WORKER_MAX", 0); maxWorkers > 0 {
		s.MaxWorkers = maxWorkers
		s.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("TALOS_WORKER_MULTIPLIER", 0); multiplier > 0 {
		s.MaxWorkers = s.EffectiveCPUs * multiplier
		s.Source = ConfigSourceAutoDetect
	} else if os.Getenv("TALOS_WORKER_MAX") == "auto" {
		s.MaxWorkers = getDefaultMaxWorkers(s.IsKubernetes, s.EffectiveCPUs)
		s.Source = ConfigSourceAutoDetect
	}

	if minWorkers := getEnvInt("TALOS_WORKER_MIN", 0); minWorkers > 0 {
		s.MinWorkers = minWorkers
	}

	// Ensure minimum value
	if s.MinWorkers < 1 {
		s.MinWorkers = 1
	}
	if s.MaxWorkers < s.MinWorkers {
		s.MaxWorkers = s.MinWorkers
	}
	return s
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultMaxWorkers returns sensible defaults based on environment
func getDefaultMaxWorkers(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return max(cpus*2, 4)
	}
	return max(cpus*4, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the sizing
func (s Sizing) String() string {
	return fmt.Sprintf(
		"Sizing{MinWorkers: %d, MaxWorkers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		s.MinWorkers,
		s.MaxWorkers,
		s.IsKubernetes,
		s.EffectiveCPUs,
		s.Source,
	)
}
