// Package scenario loads scripted event packs and replays them into the
// ingest queue. Packs are TOML files describing a timed sequence of runtime
// events, used for demos and for exercising the pipeline end to end without
// a live fleet.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/clawinfra/opsclaw/internal/ingest"
	"github.com/clawinfra/opsclaw/internal/types"
)

// Pack is one scripted scenario.
type Pack struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Env         string `toml:"env"`
	Steps       []Step `toml:"steps"`
}

// Step is one event in a pack. DelayMS is the pause before the event is
// emitted, relative to the previous step.
type Step struct {
	Entity  string             `toml:"entity"`
	State   string             `toml:"state"`
	DelayMS int                `toml:"delay_ms"`
	Signals map[string]float64 `toml:"signals"`
	Health  map[string]bool    `toml:"health"`
}

// Load parses and validates a single pack file.
func Load(path string) (*Pack, error) {
	var pack Pack
	if _, err := toml.DecodeFile(path, &pack); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := pack.Validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &pack, nil
}

// LoadDir loads every *.toml pack in dir. A missing directory is not an
// error; demos are optional.
func LoadDir(dir string, logger *slog.Logger) ([]*Pack, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("scenario directory does not exist, skipping", "dir", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}

	var packs []*Pack
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		pack, err := Load(path)
		if err != nil {
			logger.Warn("skipping unloadable scenario", "path", path, "error", err)
			continue
		}
		packs = append(packs, pack)
		logger.Info("loaded scenario", "name", pack.Name, "env", pack.Env, "steps", len(pack.Steps))
	}
	return packs, nil
}

// Validate checks the pack against the event vocabulary so a bad pack fails
// at load time, not mid-replay.
func (p *Pack) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("missing name")
	}
	if _, err := types.ParseEnv(p.Env); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for i, step := range p.Steps {
		if step.Entity == "" {
			return fmt.Errorf("step %d: missing entity", i)
		}
		if _, err := types.ParseHealthState(step.State); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if step.DelayMS < 0 {
			return fmt.Errorf("step %d: negative delay", i)
		}
	}
	return nil
}

// Player replays packs into an ingest queue.
type Player struct {
	queue  *ingest.Queue
	logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// NewPlayer creates a replay player over the given queue.
func NewPlayer(queue *ingest.Queue, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		queue:  queue,
		logger: logger.With("component", "scenario"),
		sleep:  ctxSleep,
	}
}

// Replay pushes the pack's events into the queue, honoring each step's
// delay. Stops early if ctx is canceled or the queue stays full.
func (p *Player) Replay(ctx context.Context, pack *Pack) error {
	env, err := types.ParseEnv(pack.Env)
	if err != nil {
		return err
	}
	p.logger.Info("replaying scenario", "name", pack.Name, "env", pack.Env, "steps", len(pack.Steps))

	for i, step := range pack.Steps {
		if step.DelayMS > 0 {
			if err := p.sleep(ctx, time.Duration(step.DelayMS)*time.Millisecond); err != nil {
				return err
			}
		}
		ev := types.RuntimeEvent{
			Entity:    step.Entity,
			Env:       env,
			State:     types.HealthState(step.State),
			Signals:   step.Signals,
			Health:    step.Health,
			Timestamp: time.Now(),
		}
		if err := p.queue.Push(ev); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	p.logger.Info("scenario finished", "name", pack.Name)
	return nil
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
