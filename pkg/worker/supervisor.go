package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Talos/pkg/events"
)

// supervise checks heartbeats and resizes the pool every MonitorInterval
func (p *Pool) supervise() {
	defer close(p.superDone)

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.dequeueCtx.Done():
			return
		case <-ticker.C:
			p.checkHeartbeats()
			p.scale(p.queue.Depth())
		}
	}
}

// checkHeartbeats crashes every worker whose last heartbeat is older than HeartbeatTimeout
func (p *Pool) checkHeartbeats() {
	now := p.now()

	p.mu.Lock()
	var stale []*worker
	for _, w := range p.workers {
		if w.status == StatusCrashed || w.status == StatusStopping {
			continue
		}
		if now.Sub(w.lastHeartbeat) > p.cfg.HeartbeatTimeout {
			stale = append(stale, w)
		}
	}
	p.mu.Unlock()

	for _, w := range stale {
		p.crash(w, "heartbeat timeout")
	}
}

// scale grows the pool by one worker when depth stays above the target for
// ScaleUpSustain, and retires one worker idle for longer than ScaleDownIdleTimeout.
func (p *Pool) scale(depth int) {
	now := p.now()

	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}

	var evs []events.Event
	size := p.sizeLocked()

	if p.cfg.AutoRestart {
		for ; size < p.cfg.MinWorkers; size++ {
			p.restarts++
			evs = append(evs, p.spawnLocked())
		}
	}

	if depth > p.targetDepth {
		if p.aboveSince.IsZero() {
			p.aboveSince = now
		}
		if now.Sub(p.aboveSince) >= p.cfg.ScaleUpSustain && size < p.cfg.MaxWorkers {
			p.scaleUps++
			p.aboveSince = now
			evs = append(evs, p.spawnLocked())
			p.logger.Info("Scaled worker pool up",
				zap.Int("size", size+1),
				zap.Int("queue_depth", depth))
		}
		p.mu.Unlock()
		p.emit(evs...)
		return
	}
	p.aboveSince = time.Time{}

	if size > p.cfg.MinWorkers {
		var victim *worker
		for _, w := range p.workers {
			if w.status != StatusIdle || now.Sub(w.idleSince) < p.cfg.ScaleDownIdleTimeout {
				continue
			}
			if victim == nil || w.idleSince.Before(victim.idleSince) {
				victim = w
			}
		}
		if victim != nil {
			victim.status = StatusStopping
			victim.cancel()
			p.scaleDowns++
			evs = append(evs, p.eventLocked(victim, "idle"))
			p.logger.Info("Scaled worker pool down",
				zap.String("worker_id", victim.id),
				zap.Int("size", size-1))
		}
	}
	p.mu.Unlock()

	p.emit(evs...)
}
