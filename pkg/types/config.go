package types

import (
	"os"
	"path/filepath"
)

// Config represents the main configuration for agentwatch.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	DataDir  string         `yaml:"data_dir"`
	Logging  LoggingConfig  `yaml:"logging"`
	Agents   AgentsConfig   `yaml:"agents"`
	Repos    ReposConfig    `yaml:"repos"`
	Ports    PortsConfig    `yaml:"ports"`
	Hooks    HooksConfig    `yaml:"hooks"`
	Sessions SessionsConfig `yaml:"sessions"`
	Events   EventsConfig   `yaml:"events"`
	Launcher LauncherConfig `yaml:"launcher"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig defines log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "text" (default) or "json"
	File   bool   `yaml:"file"`   // also write to <data_dir>/logs/agentwatch-<date>.log
}

// AgentsConfig defines ProcessScanner settings.
type AgentsConfig struct {
	RefreshSeconds         int       `yaml:"refresh_seconds"`
	Matchers               []Matcher `yaml:"matchers"`
	ResolveCWD             bool      `yaml:"resolve_cwd"`
	CPUThresholdPct        float64   `yaml:"cpu_threshold_pct"`
	StalledSeconds         int       `yaml:"stalled_seconds"`
	SnapshotIntervalSecond int       `yaml:"snapshot_interval_seconds"` // 0 disables process snapshot logging
	SnapshotRetentionDays  int       `yaml:"snapshot_retention_days"`
}

// ReposConfig defines RepoScanner settings.
type ReposConfig struct {
	Roots              []string `yaml:"roots"`
	RefreshFastSeconds int      `yaml:"refresh_fast_seconds"`
	RefreshSlowSeconds int      `yaml:"refresh_slow_seconds"`
	ConcurrencyGit     int      `yaml:"concurrency_git"`
	GitTimeoutFastMs   int      `yaml:"git_timeout_fast_ms"`
	GitTimeoutSlowMs   int      `yaml:"git_timeout_slow_ms"`
	MaxDepth           int      `yaml:"max_depth"`
	IgnoreDirs         []string `yaml:"ignore_dirs"`
	WatchGitDir        bool     `yaml:"watch_git_dir"`
}

// PortsConfig defines PortScanner settings.
type PortsConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
	MinPort        int `yaml:"min_port"`
}

// HooksConfig defines HookStore settings.
type HooksConfig struct {
	RetentionDays   int  `yaml:"retention_days"`
	TailTranscripts bool `yaml:"tail_transcripts"`
}

// SessionsConfig defines SessionStore settings.
type SessionsConfig struct {
	StaleGraceSeconds int `yaml:"stale_grace_seconds"`
	RetentionDays     int `yaml:"retention_days"`
}

// EventsConfig defines EventBus settings.
type EventsConfig struct {
	BufferSize    int `yaml:"buffer_size"`
	RetentionDays int `yaml:"retention_days"`
}

// LauncherConfig defines managed-session launch settings.
type LauncherConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".agentwatch")

	var roots []string
	if home != "" {
		roots = []string{filepath.Join(home, "code")}
	}

	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		DataDir: dataDir,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Agents: AgentsConfig{
			RefreshSeconds:         2,
			ResolveCWD:             true,
			CPUThresholdPct:        5,
			StalledSeconds:         30,
			SnapshotIntervalSecond: 60,
			SnapshotRetentionDays:  7,
		},
		Repos: ReposConfig{
			Roots:              roots,
			RefreshFastSeconds: 3,
			RefreshSlowSeconds: 45,
			ConcurrencyGit:     8,
			GitTimeoutFastMs:   2000,
			GitTimeoutSlowMs:   5000,
			MaxDepth:           4,
			IgnoreDirs:         []string{"node_modules", ".venv", "venv", "vendor", "target", "dist", "build", ".cache"},
			WatchGitDir:        true,
		},
		Ports: PortsConfig{
			RefreshSeconds: 2,
			MinPort:        1024,
		},
		Hooks: HooksConfig{
			RetentionDays:   30,
			TailTranscripts: true,
		},
		Sessions: SessionsConfig{
			StaleGraceSeconds: 10,
			RetentionDays:     7,
		},
		Events: EventsConfig{
			BufferSize:    500,
			RetentionDays: 30,
		},
		Launcher: LauncherConfig{
			Enabled:       true,
			MaxConcurrent: 4,
		},
	}
}

// Validate replaces non-positive intervals and limits with their defaults.
func (c *Config) Validate() {
	d := DefaultConfig()

	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.Server.Port <= 0 {
		c.Server.Port = d.Server.Port
	}
	positive(&c.Agents.RefreshSeconds, d.Agents.RefreshSeconds)
	positive(&c.Agents.StalledSeconds, d.Agents.StalledSeconds)
	if c.Agents.CPUThresholdPct <= 0 {
		c.Agents.CPUThresholdPct = d.Agents.CPUThresholdPct
	}
	positive(&c.Repos.RefreshFastSeconds, d.Repos.RefreshFastSeconds)
	positive(&c.Repos.RefreshSlowSeconds, d.Repos.RefreshSlowSeconds)
	positive(&c.Repos.ConcurrencyGit, d.Repos.ConcurrencyGit)
	positive(&c.Repos.GitTimeoutFastMs, d.Repos.GitTimeoutFastMs)
	positive(&c.Repos.GitTimeoutSlowMs, d.Repos.GitTimeoutSlowMs)
	positive(&c.Repos.MaxDepth, d.Repos.MaxDepth)
	positive(&c.Ports.RefreshSeconds, d.Ports.RefreshSeconds)
	positive(&c.Hooks.RetentionDays, d.Hooks.RetentionDays)
	positive(&c.Sessions.StaleGraceSeconds, d.Sessions.StaleGraceSeconds)
	positive(&c.Sessions.RetentionDays, d.Sessions.RetentionDays)
	positive(&c.Events.BufferSize, d.Events.BufferSize)
	positive(&c.Events.RetentionDays, d.Events.RetentionDays)
	positive(&c.Launcher.MaxConcurrent, d.Launcher.MaxConcurrent)
}

func positive(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
