package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Environment variables that override the config file. The upstream port
// variables double as feature switches: when neither the variable nor the
// config file provides a port, the forwarding rule is disabled.
const (
	EnvPort        = "REELAY_PORT"
	EnvToken       = "REELAY_TOKEN"
	EnvPreviewPort = "REELAY_PREVIEW_PORT"
	EnvUIPort      = "REELAY_UI_PORT"
	EnvStaticDir   = "REELAY_STATIC_DIR"
)

// Config represents the studio server configuration
type Config struct {
	Port     int    `json:"port"`
	Timezone string `json:"timezone,omitempty"`

	// DataDir roots relative database and scenario paths so one directory
	// holds everything the server writes. Created on load when missing.
	DataDir      string             `json:"data_dir,omitempty"`
	SecretsFile  string             `json:"secrets_file,omitempty"`
	Database     DatabaseConfig     `json:"database"`
	Auth         AuthConfig         `json:"auth,omitempty"`
	Static       StaticConfig       `json:"static"`
	Upstreams    UpstreamsConfig    `json:"upstreams,omitempty"`
	Session      SessionConfig      `json:"session,omitempty"`
	Runner       RunnerConfig       `json:"runner,omitempty"`
	RateLimiting RateLimitingConfig `json:"rateLimiting,omitempty"`
	Maintenance  MaintenanceConfig  `json:"maintenance,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `json:"path"`
}

// AuthConfig contains the optional bearer token required on the task
// websocket. An empty token disables authentication.
type AuthConfig struct {
	Token string `json:"token,omitempty"` // supports ${ENV_VAR} expansion
}

// StaticConfig points at the built UI bundle served behind every path the
// proxy and the API do not claim.
type StaticConfig struct {
	Dir   string `json:"dir"`
	Index string `json:"index,omitempty"` // entry document, default index.html
}

// IndexFile returns the SPA entry document name.
func (s StaticConfig) IndexFile() string {
	if s.Index == "" {
		return "index.html"
	}
	return s.Index
}

// UpstreamsConfig describes the sibling processes multiplexed behind the
// studio port.
type UpstreamsConfig struct {
	// Preview is the live video-preview server, mounted under its prefix
	// with the prefix stripped before forwarding.
	Preview UpstreamConfig `json:"preview,omitempty"`
	// UI is the frontend dev server. When enabled it replaces static file
	// serving as the fallback for unclaimed paths.
	UI UpstreamConfig `json:"ui,omitempty"`
}

// UpstreamConfig identifies one upstream. URL wins over Port; with neither
// set the rule is disabled.
type UpstreamConfig struct {
	Prefix string `json:"prefix,omitempty"`
	Port   int    `json:"port,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Enabled reports whether the upstream has a target to forward to.
func (u UpstreamConfig) Enabled() bool {
	return u.URL != "" || u.Port > 0
}

// Target returns the upstream base URL.
func (u UpstreamConfig) Target() string {
	if u.URL != "" {
		return u.URL
	}
	return fmt.Sprintf("http://localhost:%d", u.Port)
}

// SessionConfig tunes the live task session on the server side.
type SessionConfig struct {
	HeartbeatSeconds   int `json:"heartbeatSeconds,omitempty"`   // default 15
	TaskTimeoutSeconds int `json:"taskTimeoutSeconds,omitempty"` // default 600, 0 disables
	ReplayBuffer       int `json:"replayBuffer,omitempty"`       // events kept for resume, default 512
}

// HeartbeatInterval returns the heartbeat period.
func (s SessionConfig) HeartbeatInterval() time.Duration {
	secs := s.HeartbeatSeconds
	if secs <= 0 {
		secs = 15
	}
	return time.Duration(secs) * time.Second
}

// TaskTimeout returns the per-task deadline, zero meaning no deadline.
func (s SessionConfig) TaskTimeout() time.Duration {
	if s.TaskTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.TaskTimeoutSeconds) * time.Second
}

// ReplaySize returns the resume buffer capacity.
func (s SessionConfig) ReplaySize() int {
	if s.ReplayBuffer <= 0 {
		return 512
	}
	return s.ReplayBuffer
}

// RunnerConfig selects how tasks are executed.
type RunnerConfig struct {
	Kind        string `json:"kind,omitempty"`        // "storyboard" (default) or "script"
	ScriptPath  string `json:"script_path,omitempty"` // scenario file for the script runner
	AutoApprove bool   `json:"auto_approve,omitempty"`
}

// RateLimitingConfig contains rate limiting settings
type RateLimitingConfig struct {
	Enabled                bool                `json:"enabled"`
	Anonymous              RateLimitTierConfig `json:"anonymous"`
	Authenticated          RateLimitTierConfig `json:"authenticated"`
	CleanupIntervalSeconds int                 `json:"cleanupIntervalSeconds"`
}

// RateLimitTierConfig defines rate limiting for a specific tier (anonymous vs authenticated)
type RateLimitTierConfig struct {
	WindowSeconds int `json:"windowSeconds"`
	MaxRequests   int `json:"maxRequests"`
}

// MaintenanceConfig drives the scheduled database cleanup.
type MaintenanceConfig struct {
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule,omitempty"`       // cron spec with seconds, default 03:00 daily
	RetentionDays   int    `json:"retention_days,omitempty"` // 0 keeps history forever
	VacuumOnCleanup bool   `json:"vacuum_on_cleanup,omitempty"`

	// Scheduled runs are skipped outside the window. Equal hours lift the
	// restriction; the CLI's explicit run ignores it either way.
	WindowStartHour int `json:"window_start_hour,omitempty"`
	WindowEndHour   int `json:"window_end_hour,omitempty"`
}

// CronSchedule returns the cron expression for the maintenance run.
func (m MaintenanceConfig) CronSchedule() string {
	if m.Schedule == "" {
		return "0 0 3 * * *"
	}
	return m.Schedule
}

// InWindow reports whether t falls inside the maintenance window. The
// caller supplies t in the zone the window hours are written for.
func (m MaintenanceConfig) InWindow(t time.Time) bool {
	if m.WindowStartHour == m.WindowEndHour {
		return true
	}
	hour := t.Hour()
	if m.WindowStartHour > m.WindowEndHour {
		return hour >= m.WindowStartHour || hour < m.WindowEndHour
	}
	return hour >= m.WindowStartHour && hour < m.WindowEndHour
}

// DebugConfig contains debugging and logging settings
type DebugConfig struct {
	LogEventContent bool `json:"log_event_content,omitempty"` // Enable logging of event payloads (privacy risk!)
	VerboseLogging  bool `json:"verbose_logging,omitempty"`   // Enable verbose debug logging
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Port: 8790,
		Database: DatabaseConfig{
			Path: "reelay.db",
		},
		Auth: AuthConfig{
			Token: "${REELAY_TOKEN}",
		},
		Static: StaticConfig{
			Dir: "./ui/dist",
		},
		Upstreams: UpstreamsConfig{
			Preview: UpstreamConfig{Prefix: "/remotion"},
		},
		Session: SessionConfig{
			HeartbeatSeconds:   15,
			TaskTimeoutSeconds: 600,
			ReplayBuffer:       512,
		},
		Runner: RunnerConfig{
			Kind: "storyboard",
		},
		RateLimiting: RateLimitingConfig{
			Enabled: true,
			Anonymous: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   100,
			},
			Authenticated: RateLimitTierConfig{
				WindowSeconds: 60,
				MaxRequests:   1000,
			},
			CleanupIntervalSeconds: 300,
		},
		Maintenance: MaintenanceConfig{
			Enabled:         true,
			Schedule:        "0 0 3 * * *",
			RetentionDays:   90,
			VacuumOnCleanup: true,
		},
		Debug: DebugConfig{
			LogEventContent: false, // Privacy-safe by default
			VerboseLogging:  false,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Check if file exists, create default if not
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		fmt.Printf("Created default configuration at %s\n", path)
		if err := cfg.expandEnvVars(); err != nil {
			return nil, err
		}
		cfg.applyEnvOverrides()
		if err := cfg.resolveDataDir(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand tilde in path fields before anything else so that
	// secrets_file can reference ~/... paths.
	cfg.expandTilde()

	// Load secrets file (KEY=VALUE) into the environment before
	// expanding ${ENV_VAR} placeholders in the config.
	if err := cfg.loadSecretsFile(); err != nil {
		return nil, fmt.Errorf("failed to load secrets file: %w", err)
	}

	// Expand environment variables
	if err := cfg.expandEnvVars(); err != nil {
		return nil, fmt.Errorf("failed to expand environment variables: %w", err)
	}

	// Environment overrides beat file values so that process supervisors
	// can rewire the topology without editing the file.
	cfg.applyEnvOverrides()

	// Root relative data paths under data_dir once all sources are merged.
	if err := cfg.resolveDataDir(); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// expandEnvVars expands environment variables in configuration values
func (c *Config) expandEnvVars() error {
	c.DataDir = os.ExpandEnv(c.DataDir)
	c.SecretsFile = os.ExpandEnv(c.SecretsFile)
	c.Database.Path = os.ExpandEnv(c.Database.Path)
	c.Static.Dir = os.ExpandEnv(c.Static.Dir)
	c.Runner.ScriptPath = os.ExpandEnv(c.Runner.ScriptPath)
	c.Auth.Token = os.ExpandEnv(c.Auth.Token)
	c.Upstreams.Preview.URL = os.ExpandEnv(c.Upstreams.Preview.URL)
	c.Upstreams.UI.URL = os.ExpandEnv(c.Upstreams.UI.URL)
	return nil
}

// applyEnvOverrides applies REELAY_* environment variables on top of the
// file-sourced values. Unset variables leave the file values alone.
func (c *Config) applyEnvOverrides() {
	if v, ok := envInt(EnvPort); ok {
		c.Port = v
	}
	if v, ok := os.LookupEnv(EnvToken); ok {
		c.Auth.Token = v
	}
	if v, ok := envInt(EnvPreviewPort); ok {
		c.Upstreams.Preview.Port = v
	}
	if v, ok := envInt(EnvUIPort); ok {
		c.Upstreams.UI.Port = v
	}
	if v, ok := os.LookupEnv(EnvStaticDir); ok && v != "" {
		c.Static.Dir = v
	}
}

// resolveDataDir creates data_dir when set and joins relative database and
// scenario paths onto it. Absolute paths are left alone, as is the static
// dir, which belongs to the build checkout rather than the data directory.
func (c *Config) resolveDataDir() error {
	if c.DataDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", c.DataDir, err)
	}

	join := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.DataDir, p)
	}
	c.Database.Path = join(c.Database.Path)
	c.Runner.ScriptPath = join(c.Runner.ScriptPath)
	return nil
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate validates the entire configuration
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Runner.Kind {
	case "", "storyboard":
	case "script":
		if c.Runner.ScriptPath == "" {
			return fmt.Errorf("runner kind 'script' requires script_path")
		}
	default:
		return fmt.Errorf("unknown runner kind '%s'", c.Runner.Kind)
	}

	if c.Session.HeartbeatSeconds < 0 {
		return fmt.Errorf("heartbeatSeconds must not be negative")
	}
	if c.Session.TaskTimeoutSeconds < 0 {
		return fmt.Errorf("taskTimeoutSeconds must not be negative")
	}

	// Validate rate limiting configuration
	if c.RateLimiting.Enabled {
		if c.RateLimiting.Anonymous.WindowSeconds <= 0 || c.RateLimiting.Anonymous.MaxRequests <= 0 {
			return fmt.Errorf("invalid anonymous rate limiting configuration")
		}
		if c.RateLimiting.Authenticated.WindowSeconds <= 0 || c.RateLimiting.Authenticated.MaxRequests <= 0 {
			return fmt.Errorf("invalid authenticated rate limiting configuration")
		}
	}

	if c.Maintenance.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}

	// Validate timezone if set
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("invalid timezone '%s': %w", c.Timezone, err)
		}
	}

	return nil
}

// GetLocation returns the configured timezone as a *time.Location,
// falling back to time.Local.
func (c *Config) GetLocation() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// expandTilde replaces a leading "~/" with the user's home directory in
// path-valued config fields. Called before env-var expansion so that
// both "~/foo" and "${SOME_PATH}" work.
func (c *Config) expandTilde() {
	home, err := os.UserHomeDir()
	if err != nil {
		return // can't expand, leave as-is
	}
	expand := func(p string) string {
		if p == "~" {
			return home
		}
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}

	c.DataDir = expand(c.DataDir)
	c.SecretsFile = expand(c.SecretsFile)
	c.Database.Path = expand(c.Database.Path)
	c.Static.Dir = expand(c.Static.Dir)
	c.Runner.ScriptPath = expand(c.Runner.ScriptPath)
}

// loadSecretsFile reads a KEY=VALUE file into the process environment.
// Blank lines and lines starting with '#' are ignored.
// Existing environment variables are NOT overridden (shell/systemd wins).
// If SecretsFile is empty or the file doesn't exist, this is a no-op.
func (c *Config) loadSecretsFile() error {
	if c.SecretsFile == "" {
		return nil
	}

	f, err := os.Open(c.SecretsFile)
	if os.IsNotExist(err) {
		return nil // missing file is fine
	}
	if err != nil {
		return fmt.Errorf("cannot open secrets file %s: %w", c.SecretsFile, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Strip optional surrounding quotes from value
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		// Don't override existing env vars
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
