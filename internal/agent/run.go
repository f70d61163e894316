package agent

import (
	"context"
	"time"

	"github.com/clawinfra/opsclaw/internal/types"
)

// EventSource feeds runtime events into a loop instance. The channel closing
// means the source is exhausted (demo replay) and the loop should stop.
type EventSource interface {
	Events() <-chan types.RuntimeEvent
}

// Run drives the loop until the context is canceled or the source closes.
// Events tagged for other environments are dropped; a heartbeat proof record
// is written once per interval tick. The only errors that escape are fatal
// ones (proof sink loss or a broken phase graph).
func (l *Loop) Run(ctx context.Context, src EventSource, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := l.Heartbeat(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-src.Events():
			if !ok {
				l.logger.Info("event source closed, stopping")
				return nil
			}
			if event.Env != l.env {
				l.logger.Debug("dropping event for other env", "event_env", string(event.Env))
				continue
			}
			d, outcome, err := l.RunCycle(ctx, event)
			if err != nil {
				l.logger.Error("cycle failed fatally", "entity", event.Entity, "error", err)
				return err
			}
			l.logger.Info("cycle complete",
				"entity", event.Entity,
				"action", d.Action.String(),
				"source", string(d.Source),
				"status", string(outcome.Result.Status))
			if l.sink != nil {
				if err := l.sink.Insert(ctx, l.env, event.Entity, d, outcome); err != nil {
					l.logger.Warn("decision sink insert failed", "entity", event.Entity, "error", err)
				}
			}

		case <-ticker.C:
			if err := l.Heartbeat(); err != nil {
				return err
			}
		}
	}
}
