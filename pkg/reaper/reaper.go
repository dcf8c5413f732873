// Package reaper periodically stops groups whose backend container has sat
// idle past its configured window.
package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/wakedock/gate/pkg/containerrt"
	"github.com/wakedock/gate/pkg/log"
	"github.com/wakedock/gate/pkg/metrics"
	"github.com/wakedock/gate/pkg/registry"
)

// Reaper sweeps the registry on a fixed interval, stopping any group the
// registry marks running whose last touch is older than its idle window.
// Groups the registry does not mark running are not checked against the
// runtime, so their containers are not stopped by a sweep.
type Reaper struct {
	registry *registry.Registry
	driver   containerrt.Driver
	interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reaper sweeping at the given interval (spec.md's
// IDLE_SWEEP_SEC). It does not start sweeping until Start is called.
func New(reg *registry.Registry, driver containerrt.Driver, interval time.Duration) *Reaper {
	return &Reaper{
		registry: reg,
		driver:   driver,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the sweep loop in a new goroutine. Call Stop to end it.
func (r *Reaper) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the sweep loop and waits for the current sweep, if any, to
// finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	logger := log.WithComponent("reaper")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", r.interval).Msg("idle reaper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx, logger)
		}
	}
}

// sweep snapshots the groups the registry believes are running, then stops
// each whose last touch is older than its idle window. The snapshot is
// taken without holding the registry lock across the runtime calls below,
// matching gate.py's reaper loop.
func (r *Reaper) sweep(ctx context.Context, logger zerolog.Logger) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReapSweepDuration)

	now := time.Now()
	for _, state := range r.registry.IterForReap() {
		idleFor := time.Duration(state.Target.IdleSeconds) * time.Second
		if now.Sub(state.LastTouch) < idleFor {
			continue
		}

		running, err := r.driver.IsRunning(ctx, state.ContainerName)
		if err != nil {
			logger.Warn().Str("group", state.Group).Err(err).Msg("failed to check running state during reap sweep")
			continue
		}
		if !running {
			r.registry.SetRunning(state.Group, false)
			continue
		}

		logger.Info().Str("group", state.Group).Dur("idle_for", now.Sub(state.LastTouch)).Msg("reaping idle container")
		if err := r.driver.Stop(ctx, state.ContainerName); err != nil {
			logger.Warn().Str("group", state.Group).Err(err).Msg("failed to stop idle container")
			continue
		}
		r.registry.SetRunning(state.Group, false)
		metrics.ReapTotal.WithLabelValues(state.Group).Inc()
	}
	metrics.GroupsRunning.Set(float64(r.registry.RunningCount()))
}
