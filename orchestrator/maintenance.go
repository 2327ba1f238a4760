package orchestrator

import (
	"context"
	"errors"
	"time"

	"ffcache/cache"
	"ffcache/logger"
	"ffcache/task"
)

// sweepRequestEvery limits sweeps requested by finished jobs.
const sweepRequestEvery = 30 * time.Second

// Sweep runs one eviction pass, sparing every path a registered job owns.
func (o *Orchestrator) Sweep(ctx context.Context) (cache.SweepResult, error) {
	return o.store.Sweep(ctx, o.registry.OwnedPaths())
}

// JobFinished is called by the supervisor after a job's completion signal.
// A finished full job grew the cache, so it asks for a sweep.
func (o *Orchestrator) JobFinished(job *task.Job) {
	if job.Partial() || job.Status() != task.StatusCompleted {
		return
	}
	if !o.limiter.Allow() {
		return
	}
	select {
	case o.sweepReq <- struct{}{}:
	default:
	}
}

// Start runs the sweep loop until ctx ends or Shutdown is called.
func (o *Orchestrator) Start(ctx context.Context) {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if o.stopLoop != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.stopLoop = cancel
	o.loopDone = make(chan struct{})
	go o.sweepLoop(ctx, o.loopDone)
}

func (o *Orchestrator) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if o.cfg.CacheSweepInterval > 0 {
		ticker := time.NewTicker(o.cfg.CacheSweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	o.runSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-o.sweepReq:
		}
		o.runSweep(ctx)
	}
}

func (o *Orchestrator) runSweep(ctx context.Context) {
	if _, err := o.Sweep(ctx); err != nil {
		if errors.Is(err, cache.ErrSweepBusy) {
			logger.Debugf("Cache sweep skipped: %v", err)
			return
		}
		logger.Errorf("Cache sweep failed: %v", err)
	}
}

// Shutdown stops every job, waits for their completion signals, stops the
// sweep loop and runs a final sweep.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	jobs := o.registry.List()
	logger.Infof("Shutting down, stopping %d jobs", len(jobs))
	for _, job := range jobs {
		job.RequestStop()
	}

	var waitErr error
	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-ctx.Done():
			waitErr = ctx.Err()
		}
		if waitErr != nil {
			break
		}
	}
	o.cancelJobs()

	o.loopMu.Lock()
	if o.stopLoop != nil {
		o.stopLoop()
		<-o.loopDone
		o.stopLoop = nil
	}
	o.loopMu.Unlock()

	if waitErr != nil {
		return waitErr
	}
	if _, err := o.Sweep(ctx); err != nil && !errors.Is(err, cache.ErrSweepBusy) {
		return err
	}
	return nil
}
