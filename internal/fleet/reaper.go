package fleet

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// SweepResult describes one reaper pass.
type SweepResult struct {
	Removed     []Device
	Redelivered []Command
	Expired     []Command
	Duration    time.Duration
}

// Reaper evicts stale devices and requeues unacknowledged commands on a
// fixed interval.
//
// Sweeps never overlap. A tick that comes due while a sweep is running is
// skipped, not queued.
type Reaper struct {
	engine   *Engine
	interval time.Duration

	running atomic.Bool
	skipped atomic.Uint64
	sweeps  atomic.Uint64
}

// NewReaper creates a reaper for engine. A non-positive interval uses the
// engine's configured reaper interval.
func NewReaper(engine *Engine, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = engine.cfg.ReaperInterval
	}
	return &Reaper{engine: engine, interval: interval}
}

// Run sweeps until ctx is cancelled. It always returns nil.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log := r.engine.logger
	log.Info("reaper started",
		"interval", r.interval,
		"stale_timeout", r.engine.cfg.StaleTimeout,
		"redelivery_timeout", r.engine.cfg.RedeliveryTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("reaper stopped", "sweeps", r.sweeps.Load(), "skipped", r.skipped.Load())
			return nil
		case <-ticker.C:
			r.Sweep()

			// A tick buffered during a long sweep is dropped.
			select {
			case <-ticker.C:
				r.skip()
			default:
			}
		}
	}
}

// Sweep runs one pass now. It reports false, and does nothing, when
// another sweep is already in progress.
func (r *Reaper) Sweep() (SweepResult, bool) {
	if !r.running.CompareAndSwap(false, true) {
		r.skip()
		return SweepResult{}, false
	}
	defer r.running.Store(false)

	res, err := r.safeSweep()
	if err != nil {
		r.engine.logger.Error("reaper sweep failed", "error", err)
		return res, true
	}
	r.sweeps.Add(1)
	return res, true
}

// Skipped returns how many ticks were skipped because a sweep was running.
func (r *Reaper) Skipped() uint64 {
	return r.skipped.Load()
}

// Sweeps returns how many sweeps completed.
func (r *Reaper) Sweeps() uint64 {
	return r.sweeps.Load()
}

func (r *Reaper) skip() {
	r.skipped.Add(1)
	r.engine.recorder.SweepSkipped()
	r.engine.logger.Warn("reaper tick skipped, previous sweep still running")
}

// safeSweep keeps a panicking sweep from killing the reaper goroutine.
func (r *Reaper) safeSweep() (res SweepResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in sweep: %v", rec)
		}
	}()
	return r.engine.sweep(), nil
}

// sweep removes stale devices, then requeues or expires timed-out deliveries.
// Events are published after every device lock is released.
func (e *Engine) sweep() SweepResult {
	began := time.Now()
	start := e.now()
	cutoff := start.Add(-e.cfg.StaleTimeout)

	var stale []string
	for _, ent := range e.registry.entries() {
		ent.mu.Lock()
		if !ent.removed && ent.device.LastSeenAt.Before(cutoff) {
			stale = append(stale, ent.device.ID)
		}
		ent.mu.Unlock()
	}

	var res SweepResult
	for _, id := range stale {
		// Re-checked under the lock: a poll may have landed since the scan.
		if dev, ok := e.registry.RemoveIfStale(id, cutoff); ok {
			res.Removed = append(res.Removed, dev)
		}
	}

	res.Redelivered, res.Expired = e.registry.Redeliver(start, e.cfg.RedeliveryTimeout, e.cfg.MaxRedeliveries)

	for i := range res.Removed {
		dev := res.Removed[i]
		dev.Status = StatusDisconnected
		e.logger.Info("device removed as stale", "device_id", dev.ID, "last_seen_at", dev.LastSeenAt)
		e.publish(Event{Kind: EventDeviceDisconnected, DeviceID: dev.ID, Device: &dev, Reason: "stale"}, "")
	}
	for i := range res.Expired {
		cmd := res.Expired[i]
		e.logger.Warn("command expired", "device_id", cmd.DeviceID, "command_id", cmd.ID, "deliveries", cmd.Deliveries)
		e.publish(Event{Kind: EventCommandExpired, DeviceID: cmd.DeviceID, Command: &cmd, Reason: "redelivery limit reached"}, "")
	}
	if len(res.Redelivered) > 0 {
		e.recorder.CommandsRedelivered(len(res.Redelivered))
		e.logger.Debug("commands requeued", "count", len(res.Redelivered))
	}

	res.Duration = time.Since(began)
	e.recorder.SweepFinished(res.Duration, len(res.Removed))
	return res
}
