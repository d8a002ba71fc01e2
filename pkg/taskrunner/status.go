package taskrunner

import (
	"sort"
	"time"

	"github.com/wehubfusion/Talos/pkg/cache"
	"github.com/wehubfusion/Talos/pkg/concurrency"
	"github.com/wehubfusion/Talos/pkg/connpool"
	"github.com/wehubfusion/Talos/pkg/memory"
	"github.com/wehubfusion/Talos/pkg/queue"
	"github.com/wehubfusion/Talos/pkg/worker"
)

// ActiveExecution describes a workflow that is still running
type ActiveExecution struct {
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
	Mode        string    `json:"mode"`
	Nodes       int       `json:"nodes"`
	StartedAt   time.Time `json:"started_at"`
}

// ExecutionStats counts executions since Start
type ExecutionStats struct {
	Active    []ActiveExecution `json:"active"`
	Completed int64             `json:"completed"`
	Failed    int64             `json:"failed"`
	Cancelled int64             `json:"cancelled"`
}

// Status is a point-in-time snapshot of every component
type Status struct {
	Running      bool                          `json:"running"`
	Healthy      bool                          `json:"healthy"`
	Queue        queue.Metrics                 `json:"queue"`
	Workers      worker.Stats                  `json:"workers"`
	WorkerHealth []worker.Info                 `json:"worker_health"`
	Breakers     []concurrency.BreakerSnapshot `json:"breakers"`
	Cache        *cache.Stats                  `json:"cache,omitempty"`
	Memory       *memory.Metrics               `json:"memory,omitempty"`
	Connections  *connpool.Metrics             `json:"connections,omitempty"`
	Executions   ExecutionStats                `json:"executions"`
}

// Status collects the snapshot. Components are read one at a time, so the
// parts may be a few microseconds apart.
func (r *Runner) Status() Status {
	r.mu.Lock()
	s := Status{
		Running: r.started && !r.stopping,
		Executions: ExecutionStats{
			Active:    make([]ActiveExecution, 0, len(r.active)),
			Completed: r.completed,
			Failed:    r.failed,
			Cancelled: r.cancelled,
		},
	}
	for _, a := range r.active {
		s.Executions.Active = append(s.Executions.Active, a.info)
	}
	r.mu.Unlock()

	sort.Slice(s.Executions.Active, func(i, j int) bool {
		return s.Executions.Active[i].StartedAt.Before(s.Executions.Active[j].StartedAt)
	})

	s.Queue = r.c.Queue.Metrics()
	s.Workers = r.c.Pool.Stats()
	s.WorkerHealth = r.c.Pool.Health()
	s.Healthy = s.Running && r.c.Pool.Healthy()
	s.Breakers = r.c.Retry.Breakers()
	if r.c.Cache != nil {
		cs := r.c.Cache.Stats()
		s.Cache = &cs
	}
	if r.c.Memory != nil {
		ms := r.c.Memory.Metrics()
		s.Memory = &ms
	}
	if r.c.Connections != nil {
		cm := r.c.Connections.Metrics()
		s.Connections = &cm
	}
	return s
}
