// Package config holds all OpsClaw configuration. Config files are JSON by
// default; YAML is accepted for operators migrating from YAML-based tooling.
// Everything is read once at startup — there is no hot reload.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clawinfra/opsclaw/internal/types"
)

// Config holds all OpsClaw configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Decision service (external policy) settings
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// MQTT ingest for runtime events
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`

	// Per-environment agent instances
	Agents map[string]AgentConfig `json:"agents" yaml:"agents"`

	// Governance limits shared by all instances unless overridden
	Governance GovernanceConfig `json:"governance" yaml:"governance"`

	// Decision archive (sqlite)
	Archive ArchiveConfig `json:"archive,omitempty" yaml:"archive,omitempty"`

	// Maintenance jobs (cron expressions)
	Maintenance MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`

	// Demo scenario packs
	Scenarios ScenarioConfig `json:"scenarios,omitempty" yaml:"scenarios,omitempty"`
}

type ServerConfig struct {
	Port      int    `json:"port" yaml:"port"`
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	LogLevel  string `json:"logLevel" yaml:"logLevel"`
	AuthToken string `json:"authToken,omitempty" yaml:"authToken,omitempty"` // HMAC secret for API JWTs; empty disables auth
}

// PolicyConfig configures the external decision service client.
type PolicyConfig struct {
	BaseURL      string `json:"baseUrl" yaml:"baseUrl"`
	TimeoutSec   int    `json:"timeoutSec" yaml:"timeoutSec"`
	MaxRetries   int    `json:"maxRetries" yaml:"maxRetries"`
	RetryDelayMs int    `json:"retryDelayMs" yaml:"retryDelayMs"`
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// AgentConfig configures one per-environment control-loop instance.
type AgentConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	LoopIntervalSec      float64 `json:"loopIntervalSec" yaml:"loopIntervalSec"`
	UncertaintyThreshold float64 `json:"uncertaintyThreshold" yaml:"uncertaintyThreshold"`
	DemoMode             bool    `json:"demoMode" yaml:"demoMode"`
	Freeze               bool    `json:"freeze" yaml:"freeze"`
	FailureThreshold     int     `json:"failureThreshold" yaml:"failureThreshold"`
	RepetitionThreshold  int     `json:"repetitionThreshold" yaml:"repetitionThreshold"`
	MaxDecisions         int     `json:"maxDecisions" yaml:"maxDecisions"`
	MaxStatesPerEntity   int     `json:"maxStatesPerEntity" yaml:"maxStatesPerEntity"`
}

// GovernanceConfig holds allowlists, cooldowns, repetition limits and
// per-action prerequisites. Cooldowns are in seconds, keyed by action name;
// prerequisites name health-map keys that must be true before the action runs.
type GovernanceConfig struct {
	Allowlist           map[string][]string `json:"allowlist" yaml:"allowlist"`
	CooldownSec         map[string]int      `json:"cooldownSec" yaml:"cooldownSec"`
	RepetitionLimit     int                 `json:"repetitionLimit" yaml:"repetitionLimit"`
	RepetitionWindowSec int                 `json:"repetitionWindowSec" yaml:"repetitionWindowSec"`
	Prerequisites       map[string][]string `json:"prerequisites,omitempty" yaml:"prerequisites,omitempty"`
}

type ArchiveConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

type MaintenanceConfig struct {
	SnapshotCron string `json:"snapshotCron,omitempty" yaml:"snapshotCron,omitempty"`
	HealthCron   string `json:"healthCron,omitempty" yaml:"healthCron,omitempty"`
}

type ScenarioConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// DefaultConfig returns a config with safe defaults: one dev instance,
// the fixed per-environment safety table, and the standard cooldowns.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8420,
			DataDir:  defaultDataDir(),
			LogLevel: "info",
		},
		Policy: PolicyConfig{
			BaseURL:      "http://localhost:5000",
			TimeoutSec:   5,
			MaxRetries:   3,
			RetryDelayMs: 500,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Host:    "localhost",
			Port:    1883,
		},
		Agents: map[string]AgentConfig{
			"dev": DefaultAgentConfig(),
		},
		Governance: GovernanceConfig{
			Allowlist: map[string][]string{
				"prod":  {"noop"},
				"stage": {"noop", "restart"},
				"dev":   {"noop", "restart", "scale_up", "scale_down"},
			},
			CooldownSec: map[string]int{
				"noop":       0,
				"restart":    60,
				"scale_up":   120,
				"scale_down": 120,
				"rollback":   300,
			},
			RepetitionLimit:     3,
			RepetitionWindowSec: 300,
			Prerequisites: map[string][]string{
				"rollback": {"previous_version_available"},
			},
		},
		Archive: ArchiveConfig{
			Enabled: true,
		},
		Maintenance: MaintenanceConfig{
			SnapshotCron: "@every 15m",
			HealthCron:   "@every 1m",
		},
	}
}

// DefaultAgentConfig returns per-instance defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Enabled:              true,
		LoopIntervalSec:      5,
		UncertaintyThreshold: 0.5,
		FailureThreshold:     3,
		RepetitionThreshold:  3,
		MaxDecisions:         50,
		MaxStatesPerEntity:   10,
	}
}

// Load reads a config file. The format is chosen by extension
// (.yaml/.yml → YAML, anything else → JSON).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Validate checks environment tags, action names and numeric ranges.
func (c *Config) Validate() error {
	for env := range c.Agents {
		if _, err := types.ParseEnv(env); err != nil {
			return fmt.Errorf("agents: %w", err)
		}
	}
	for env, actions := range c.Governance.Allowlist {
		if _, err := types.ParseEnv(env); err != nil {
			return fmt.Errorf("allowlist: %w", err)
		}
		for _, a := range actions {
			if _, err := types.ParseAction(a); err != nil {
				return fmt.Errorf("allowlist[%s]: %w", env, err)
			}
		}
	}
	for name := range c.Governance.CooldownSec {
		if _, err := types.ParseAction(name); err != nil {
			return fmt.Errorf("cooldownSec: %w", err)
		}
	}
	for name := range c.Governance.Prerequisites {
		if _, err := types.ParseAction(name); err != nil {
			return fmt.Errorf("prerequisites: %w", err)
		}
	}
	for env, ac := range c.Agents {
		if ac.UncertaintyThreshold < 0 || ac.UncertaintyThreshold > 1 {
			return fmt.Errorf("agents[%s]: uncertaintyThreshold must be in [0,1]", env)
		}
	}
	if c.Policy.MaxRetries < 1 {
		return fmt.Errorf("policy: maxRetries must be >= 1")
	}
	return nil
}

// AllowedActions resolves the allowlist for env as typed actions. Unknown
// environments fall back to noop-only, the safe floor.
func (c *Config) AllowedActions(env types.Env) []types.Action {
	names, ok := c.Governance.Allowlist[string(env)]
	if !ok {
		return []types.Action{types.ActionNoop}
	}
	out := make([]types.Action, 0, len(names))
	for _, n := range names {
		a, err := types.ParseAction(n)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Cooldowns resolves the configured cooldowns as typed durations.
func (c *Config) Cooldowns() map[types.Action]time.Duration {
	out := make(map[types.Action]time.Duration, len(c.Governance.CooldownSec))
	for name, sec := range c.Governance.CooldownSec {
		a, err := types.ParseAction(name)
		if err != nil {
			continue
		}
		out[a] = time.Duration(sec) * time.Second
	}
	return out
}

// Prerequisites resolves the configured per-action prerequisites as typed
// actions. Unparsable action names are dropped, mirroring Cooldowns.
func (c *Config) Prerequisites() map[types.Action][]string {
	out := make(map[types.Action][]string, len(c.Governance.Prerequisites))
	for name, reqs := range c.Governance.Prerequisites {
		a, err := types.ParseAction(name)
		if err != nil {
			continue
		}
		out[a] = reqs
	}
	return out
}

// RepetitionWindow returns the sliding window for repetition suppression.
func (c *Config) RepetitionWindow() time.Duration {
	return time.Duration(c.Governance.RepetitionWindowSec) * time.Second
}

// ProofLogPath returns the shared proof log path under the data dir.
func (c *Config) ProofLogPath() string {
	return filepath.Join(c.Server.DataDir, "proof.log")
}

// ArchivePath returns the sqlite archive path, honoring an override.
func (c *Config) ArchivePath() string {
	if c.Archive.Path != "" {
		return c.Archive.Path
	}
	return filepath.Join(c.Server.DataDir, "decisions.db")
}

func defaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".opsclaw"
	}
	return filepath.Join(homeDir, ".opsclaw")
}
