// Package maintenance runs the daemon's periodic background jobs: memory
// snapshot persistence and decision-service health probes. Schedules are
// cron expressions from the config (robfig/cron syntax, including @every).
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/opsclaw/internal/types"
)

// Snapshotter persists decision memory to disk.
type Snapshotter interface {
	Save(path string) error
}

// HealthProber checks the decision service.
type HealthProber interface {
	Health(ctx context.Context) error
}

// Target is one environment's maintenance surface.
type Target struct {
	Memory       Snapshotter
	SnapshotPath string
	Policy       HealthProber
}

// Runner owns the cron schedule for all targets.
type Runner struct {
	cron    *cron.Cron
	targets map[types.Env]Target
	logger  *slog.Logger

	mu           sync.RWMutex
	policyUp     map[types.Env]bool
	snapshotRuns int64
	probeRuns    int64
}

// NewRunner creates a maintenance runner over the given targets.
func NewRunner(targets map[types.Env]Target, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:     cron.New(),
		targets:  targets,
		logger:   logger.With("component", "maintenance"),
		policyUp: make(map[types.Env]bool, len(targets)),
	}
}

// Schedule registers the snapshot and health jobs. Empty expressions
// disable the corresponding job. Invalid expressions are rejected up front.
func (r *Runner) Schedule(snapshotCron, healthCron string) error {
	if snapshotCron != "" {
		if _, err := r.cron.AddFunc(snapshotCron, r.snapshotAll); err != nil {
			return fmt.Errorf("snapshot schedule %q: %w", snapshotCron, err)
		}
	}
	if healthCron != "" {
		if _, err := r.cron.AddFunc(healthCron, r.probeAll); err != nil {
			return fmt.Errorf("health schedule %q: %w", healthCron, err)
		}
	}
	return nil
}

// Start runs the schedule until ctx is canceled, then takes a final
// snapshot so a clean shutdown never loses memory state.
func (r *Runner) Start(ctx context.Context) error {
	r.cron.Start()
	r.logger.Info("maintenance started", "targets", len(r.targets))

	<-ctx.Done()

	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(10 * time.Second):
		r.logger.Warn("maintenance jobs did not drain in time")
	}

	r.snapshotAll()
	r.logger.Info("maintenance stopped")
	return ctx.Err()
}

// SnapshotNow takes an immediate snapshot of every target.
func (r *Runner) SnapshotNow() {
	r.snapshotAll()
}

// PolicyHealthy reports the last probe result for env. Unprobed
// environments report false.
func (r *Runner) PolicyHealthy(env types.Env) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policyUp[env]
}

func (r *Runner) snapshotAll() {
	r.mu.Lock()
	r.snapshotRuns++
	r.mu.Unlock()

	for env, target := range r.targets {
		if target.Memory == nil || target.SnapshotPath == "" {
			continue
		}
		if err := target.Memory.Save(target.SnapshotPath); err != nil {
			r.logger.Error("memory snapshot failed", "env", env, "path", target.SnapshotPath, "error", err)
			continue
		}
		r.logger.Debug("memory snapshot written", "env", env, "path", target.SnapshotPath)
	}
}

func (r *Runner) probeAll() {
	r.mu.Lock()
	r.probeRuns++
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for env, target := range r.targets {
		if target.Policy == nil {
			continue
		}
		err := target.Policy.Health(ctx)

		r.mu.Lock()
		wasUp, known := r.policyUp[env]
		r.policyUp[env] = err == nil
		r.mu.Unlock()

		switch {
		case err != nil && (wasUp || !known):
			r.logger.Warn("decision service unhealthy", "env", env, "error", err)
		case err == nil && !wasUp:
			r.logger.Info("decision service healthy", "env", env)
		}
	}
}
