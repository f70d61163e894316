package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clawinfra/opsclaw/internal/agent"
	"github.com/clawinfra/opsclaw/internal/api"
	"github.com/clawinfra/opsclaw/internal/archive"
	"github.com/clawinfra/opsclaw/internal/config"
	"github.com/clawinfra/opsclaw/internal/executor"
	"github.com/clawinfra/opsclaw/internal/governance"
	"github.com/clawinfra/opsclaw/internal/ingest"
	"github.com/clawinfra/opsclaw/internal/maintenance"
	"github.com/clawinfra/opsclaw/internal/memory"
	"github.com/clawinfra/opsclaw/internal/policy"
	"github.com/clawinfra/opsclaw/internal/proof"
	"github.com/clawinfra/opsclaw/internal/scenario"
	"github.com/clawinfra/opsclaw/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// instance bundles everything one environment's loop needs.
type instance struct {
	loop     *agent.Loop
	memory   *memory.Store
	policy   *policy.Client
	source   *envSource
	interval time.Duration
}

// App holds all the runtime components.
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	Proofs      *proof.Log
	Archive     *archive.Store
	Queue       *ingest.Queue
	MQTT        *ingest.MQTTSubscriber
	Instances   map[types.Env]*instance
	APIServer   *api.Server
	Maintenance *maintenance.Runner
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("opsclaw", flag.ExitOnError)
	configPath := fs.String("config", "opsclaw.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	mintToken := fs.Bool("token", false, "Print an API token and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("OpsClaw v%s (built %s)\n", version, buildTime)
		fmt.Println("Autonomous operations decision daemon")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer app.close()

	if *mintToken {
		if app.Config.Server.AuthToken == "" {
			fmt.Fprintln(os.Stderr, "API auth is disabled (server.authToken is empty)")
			return 1
		}
		token, err := api.GenerateToken("cli", []byte(app.Config.Server.AuthToken), 24*time.Hour)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Token generation failed: %v\n", err)
			return 1
		}
		fmt.Println(token)
		return 0
	}

	printBanner(app)

	if err := serve(app); err != nil {
		app.Logger.Error("daemon exited with error", "error", err)
		return 1
	}
	app.Logger.Info("opsclaw stopped")
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting OpsClaw", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with the configured level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	app.Proofs, err = proof.Open(cfg.ProofLogPath(), app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open proof log: %w", err)
	}

	if cfg.Archive.Enabled {
		app.Archive, err = archive.Open(cfg.ArchivePath(), app.Logger)
		if err != nil {
			return nil, fmt.Errorf("open decision archive: %w", err)
		}
	}

	app.Queue = ingest.NewQueue(256)

	if err := buildInstances(app); err != nil {
		return nil, err
	}
	if len(app.Instances) == 0 {
		return nil, fmt.Errorf("no enabled agent instances in config")
	}

	if cfg.MQTT.Enabled {
		app.MQTT = ingest.NewMQTTSubscriber(
			cfg.MQTT.Host, cfg.MQTT.Port,
			cfg.MQTT.Username, cfg.MQTT.Password,
			app.Queue, app.Logger,
		)
	}

	targets := make(map[types.Env]maintenance.Target, len(app.Instances))
	for env, inst := range app.Instances {
		targets[env] = maintenance.Target{
			Memory:       inst.memory,
			SnapshotPath: snapshotPath(cfg, env),
			Policy:       inst.policy,
		}
	}
	app.Maintenance = maintenance.NewRunner(targets, app.Logger)
	if err := app.Maintenance.Schedule(cfg.Maintenance.SnapshotCron, cfg.Maintenance.HealthCron); err != nil {
		return nil, fmt.Errorf("schedule maintenance: %w", err)
	}

	loops := make(map[types.Env]*agent.Loop, len(app.Instances))
	for env, inst := range app.Instances {
		loops[env] = inst.loop
	}
	var secret []byte
	if cfg.Server.AuthToken != "" {
		secret = []byte(cfg.Server.AuthToken)
	}
	app.APIServer = api.NewServer(cfg.Server.Port, loops, app.Proofs, app.Archive, app.Queue, secret, app.Logger)

	return app, nil
}

// buildInstances wires one loop per enabled environment in the config.
func buildInstances(app *App) error {
	cfg := app.Config
	app.Instances = make(map[types.Env]*instance)

	for name, ac := range cfg.Agents {
		if !ac.Enabled {
			app.Logger.Info("instance disabled, skipping", "env", name)
			continue
		}
		env, err := types.ParseEnv(name)
		if err != nil {
			return fmt.Errorf("agents: %w", err)
		}

		mem := memory.New(ac.MaxDecisions, ac.MaxStatesPerEntity, app.Logger,
			memory.WithThresholds(ac.FailureThreshold, ac.RepetitionThreshold))
		if err := mem.Load(snapshotPath(cfg, env)); err != nil {
			app.Logger.Warn("memory snapshot unreadable, starting fresh", "env", name, "error", err)
		}

		allowed := cfg.AllowedActions(env)
		gov := governance.New(env, allowed, cfg.Cooldowns(),
			cfg.Governance.RepetitionLimit, cfg.RepetitionWindow(),
			app.Logger,
			governance.WithPrerequisites(cfg.Prerequisites()),
			governance.WithFrozen(ac.Freeze))
		gate := executor.NewGate(env, allowed, ac.DemoMode, ac.Freeze, app.Proofs, nil, app.Logger)
		pol := policy.NewClient(cfg.Policy.BaseURL,
			time.Duration(cfg.Policy.TimeoutSec)*time.Second,
			cfg.Policy.MaxRetries,
			time.Duration(cfg.Policy.RetryDelayMs)*time.Millisecond,
			app.Logger)

		var sink agent.DecisionSink
		if app.Archive != nil {
			sink = app.Archive
		}

		loop := agent.NewLoop(agent.LoopConfig{
			Env:                  env,
			Memory:               mem,
			Governance:           gov,
			Gate:                 gate,
			Policy:               pol,
			Proofs:               app.Proofs,
			Sink:                 sink,
			UncertaintyThreshold: ac.UncertaintyThreshold,
			RepetitionWindow:     cfg.RepetitionWindow(),
			Demo:                 ac.DemoMode,
			Freeze:               ac.Freeze,
			Logger:               app.Logger,
		})

		app.Instances[env] = &instance{
			loop:     loop,
			memory:   mem,
			policy:   pol,
			source:   newEnvSource(64),
			interval: time.Duration(ac.LoopIntervalSec * float64(time.Second)),
		}
		app.Logger.Info("instance wired",
			"env", name,
			"demo", ac.DemoMode,
			"freeze", ac.Freeze,
			"allowed_actions", len(allowed))
	}
	return nil
}

// serve runs every component until a shutdown signal arrives.
func serve(app *App) error {
	ctx, stop := signalContext(context.Background(), app.Logger)
	defer stop()

	if app.MQTT != nil {
		if err := app.MQTT.Start(); err != nil {
			app.Logger.Warn("mqtt ingest unavailable", "error", err)
		} else {
			defer app.MQTT.Stop()
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, inst := range app.Instances {
		inst := inst
		g.Go(func() error {
			return inst.loop.Run(gctx, inst.source, inst.interval)
		})
	}

	g.Go(func() error { return dispatch(gctx, app) })
	g.Go(func() error { return app.APIServer.Start(gctx) })
	g.Go(func() error { return app.Maintenance.Start(gctx) })

	if dir := app.Config.Scenarios.Dir; dir != "" {
		g.Go(func() error { return replayScenarios(gctx, app, dir) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// dispatch routes events from the shared ingest queue to the owning
// environment's loop. Events for unconfigured environments are dropped.
func dispatch(ctx context.Context, app *App) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-app.Queue.Events():
			if !ok {
				return nil
			}
			inst, found := app.Instances[ev.Env]
			if !found {
				app.Logger.Debug("dropping event for unconfigured env", "env", string(ev.Env), "entity", ev.Entity)
				continue
			}
			if !inst.source.push(ev) {
				app.Logger.Warn("instance backlog full, dropping event", "env", string(ev.Env), "entity", ev.Entity)
			}
		}
	}
}

func replayScenarios(ctx context.Context, app *App, dir string) error {
	packs, err := scenario.LoadDir(dir, app.Logger)
	if err != nil {
		return fmt.Errorf("load scenarios: %w", err)
	}
	player := scenario.NewPlayer(app.Queue, app.Logger)
	for _, pack := range packs {
		if err := player.Replay(ctx, pack); err != nil {
			return err
		}
	}
	return nil
}

// envSource is the per-instance event channel behind agent.EventSource.
type envSource struct {
	ch chan types.RuntimeEvent
}

func newEnvSource(size int) *envSource {
	return &envSource{ch: make(chan types.RuntimeEvent, size)}
}

func (s *envSource) Events() <-chan types.RuntimeEvent { return s.ch }

func (s *envSource) push(ev types.RuntimeEvent) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (app *App) close() {
	if app.Archive != nil {
		if err := app.Archive.Close(); err != nil {
			app.Logger.Error("close archive", "error", err)
		}
	}
	if app.Proofs != nil {
		if err := app.Proofs.Close(); err != nil {
			app.Logger.Error("close proof log", "error", err)
		}
	}
}

// signalContext cancels on SIGINT/SIGTERM. Platform-specific signals
// (SIGHUP on Unix) are logged and ignored.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	go func() {
		for sig := range sigCh {
			if handlePlatformSignal(sig, logger) {
				continue
			}
			logger.Info("shutdown signal received", "signal", sig.String())
			cancel()
			return
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// loadConfig loads configuration from file or creates a default one.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func snapshotPath(cfg *config.Config, env types.Env) string {
	return filepath.Join(cfg.Server.DataDir, fmt.Sprintf("memory-%s.json", env))
}

func printBanner(app *App) {
	fmt.Println()
	fmt.Printf("  OpsClaw v%s (autonomous operations decision daemon)\n", version)
	fmt.Println()
	fmt.Printf("  API:        http://localhost:%d\n", app.Config.Server.Port)
	fmt.Printf("  Instances:  %d configured\n", len(app.Instances))
	fmt.Printf("  Proof log:  %s\n", app.Config.ProofLogPath())
	if app.Archive != nil {
		fmt.Printf("  Archive:    %s\n", app.Config.ArchivePath())
	}
	fmt.Println()
}
