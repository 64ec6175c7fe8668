// Package config loads the service configuration from the home directory's
// config.yaml, applies defaults, and resolves agent-config blobs for the
// Agent Executor contract.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/dispatchd/internal/obs"
)

// WorkersConfig sizes the two worker pools and their lease discipline.
type WorkersConfig struct {
	Agent     int `yaml:"agent"`
	Inference int `yaml:"inference"`

	AgentLeaseTTLSeconds     int `yaml:"agent_lease_ttl_seconds"`
	InferenceLeaseTTLSeconds int `yaml:"inference_lease_ttl_seconds"`
	PollIntervalMillis       int `yaml:"poll_interval_millis"`
}

// AgingConfig tunes the anti-starvation aging loop.
type AgingConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	ThresholdSeconds int `yaml:"threshold_seconds"`
	Boost            int `yaml:"boost"`
	Cap              int `yaml:"cap"`
}

// ScheduleConfig is one configured cron trigger. Queue selects which queue
// the firing enqueues into ("execution" or "inference").
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	Queue      string `yaml:"queue"`
	AgentID    string `yaml:"agent_id"`
	ModelID    string `yaml:"model_id"`
	Payload    string `yaml:"payload"`
	Parameters string `yaml:"parameters"`
	Disabled   bool   `yaml:"disabled"`
}

// AnthropicConfig configures the reference Model Runner.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Config is the full service configuration.
type Config struct {
	HomeDir  string `yaml:"-"`
	BindAddr string `yaml:"bind_addr"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	// AuthToken, when set, gates every gateway endpoint behind a bearer
	// token. Empty means open local access.
	AuthToken string `yaml:"auth_token"`
	// AllowOrigins lists Origin patterns accepted for cross-origin
	// WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AgentConfigDir holds per-agent config files consumed opaquely by the
	// Agent Executor. Defaults to <home>/agents.
	AgentConfigDir string `yaml:"agent_config_dir"`

	Workers   WorkersConfig    `yaml:"workers"`
	Aging     AgingConfig      `yaml:"aging"`
	Schedules []ScheduleConfig `yaml:"schedules"`
	Otel      obs.Config       `yaml:"otel"`
	Anthropic AnthropicConfig  `yaml:"anthropic"`
}

// HomeDir resolves the data directory: DISPATCHD_HOME or ~/.dispatchd.
func HomeDir() string {
	if override := os.Getenv("DISPATCHD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".dispatchd")
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18790",
		LogLevel: "info",
		Workers: WorkersConfig{
			Agent:                    2,
			Inference:                2,
			AgentLeaseTTLSeconds:     600,
			InferenceLeaseTTLSeconds: 300,
			PollIntervalMillis:       100,
		},
		Aging: AgingConfig{
			IntervalSeconds:  60,
			ThresholdSeconds: 300,
			Boost:            10,
			Cap:              65,
		},
	}
}

// Load reads <home>/config.yaml, creating the home directory when absent. A
// missing config file yields pure defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dispatchd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHD_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("DISPATCHD_AUTH_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = v
	}
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "dispatchd.db")
	}
	if cfg.AgentConfigDir == "" {
		cfg.AgentConfigDir = filepath.Join(cfg.HomeDir, "agents")
	}
	if cfg.Workers.Agent <= 0 {
		cfg.Workers.Agent = 1
	}
	if cfg.Workers.Inference <= 0 {
		cfg.Workers.Inference = 1
	}
	if cfg.Workers.AgentLeaseTTLSeconds <= 0 {
		cfg.Workers.AgentLeaseTTLSeconds = 600
	}
	if cfg.Workers.InferenceLeaseTTLSeconds <= 0 {
		cfg.Workers.InferenceLeaseTTLSeconds = 300
	}
	if cfg.Workers.PollIntervalMillis <= 0 {
		cfg.Workers.PollIntervalMillis = 100
	}
	if cfg.Aging.IntervalSeconds <= 0 {
		cfg.Aging.IntervalSeconds = 60
	}
	if cfg.Aging.ThresholdSeconds <= 0 {
		cfg.Aging.ThresholdSeconds = 300
	}
	if cfg.Aging.Boost <= 0 {
		cfg.Aging.Boost = 10
	}
	if cfg.Aging.Cap <= 0 {
		cfg.Aging.Cap = 65
	}
	for i := range cfg.Schedules {
		if strings.TrimSpace(cfg.Schedules[i].Queue) == "" {
			cfg.Schedules[i].Queue = "execution"
		}
		if strings.TrimSpace(cfg.Schedules[i].Payload) == "" {
			cfg.Schedules[i].Payload = "{}"
		}
		if strings.TrimSpace(cfg.Schedules[i].Parameters) == "" {
			cfg.Schedules[i].Parameters = "{}"
		}
	}
}

// Fingerprint returns a stable hash of the scheduling-relevant config,
// exposed on the health surface so operators can confirm which config a
// running daemon holds.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|agent=%d|inference=%d|attl=%d|ittl=%d|aging=%d/%d/%d/%d|schedules=%d",
		c.BindAddr, c.Workers.Agent, c.Workers.Inference,
		c.Workers.AgentLeaseTTLSeconds, c.Workers.InferenceLeaseTTLSeconds,
		c.Aging.IntervalSeconds, c.Aging.ThresholdSeconds, c.Aging.Boost, c.Aging.Cap,
		len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
