// Package config provides YAML configuration loading and validation for the
// Sentinel agent.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for the Sentinel agent.
// Its shape is treated as opaque by the detection core: the core only reads
// the fields it needs and otherwise passes Config through unexamined.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	Database      DatabaseConfig      `yaml:"database"`
	Logs          LogsConfig          `yaml:"logs"`
	Detection     DetectionConfig     `yaml:"detection"`
	Response      ResponseConfig      `yaml:"response"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Cloud         CloudConfig         `yaml:"cloud"`
}

// AgentConfig holds agent identity and runtime settings.
type AgentConfig struct {
	// Name is a human-readable identifier for this agent instance.
	Name string `yaml:"name"`
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`
	// IPCSocket is the filesystem path of the local JSON-RPC control
	// socket. Defaults to "/var/run/sentinel/sentinel.sock".
	IPCSocket string `yaml:"ipc_socket"`
	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9000" when omitted.
	HealthAddr string `yaml:"health_addr"`
}

// DatabaseConfig holds the embedded threat store location.
type DatabaseConfig struct {
	// Path is the filesystem path of the SQLite threat store. Defaults to
	// "/var/lib/sentinel/sentinel.db".
	Path string `yaml:"path"`
}

// LogSource describes one explicitly configured log file to tail, as an
// alternative or supplement to automatic discovery.
type LogSource struct {
	Path    string `yaml:"path"`
	Type    string `yaml:"type"`
	Enabled bool   `yaml:"enabled"`
}

// LogsConfig controls log discovery and tailing.
type LogsConfig struct {
	// Discovery enables automatic discovery of standard system log paths.
	// Defaults to true.
	Discovery bool `yaml:"discovery"`
	// Sources is an explicit list of additional log files to tail.
	Sources []LogSource `yaml:"sources"`
	// MaxTailBytes is loaded and defaulted to 1 MiB, but no component reads
	// it: the collector's tailer buffers a trailing partial line without a
	// size bound until its newline arrives.
	MaxTailBytes int `yaml:"max_tail_bytes"`
}

// AnomalyConfig is a null extension point; anomaly scoring is not
// implemented by the core (see internal/agent.AnomalyScorer).
type AnomalyConfig struct {
	Enabled        bool `yaml:"enabled"`
	TrainingPeriod int  `yaml:"training_period"`
}

// LLMConfig is a null extension point; LLM enrichment is not implemented
// by the core (see internal/agent.LLMEnricher).
type LLMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// DetectionConfig controls the rule engine and its (unimplemented)
// extension points.
type DetectionConfig struct {
	Enabled   bool          `yaml:"enabled"`
	RulesPath string        `yaml:"rules_path"`
	Anomaly   AnomalyConfig `yaml:"anomaly"`
	LLM       LLMConfig     `yaml:"llm"`
}

// ResponseConfig controls response actuation. Response actuation itself is
// out of scope for the core (see internal/agent.ResponseHook); this struct
// only carries the configuration a future response subsystem would read.
type ResponseConfig struct {
	Enabled              bool `yaml:"enabled"`
	DryRun               bool `yaml:"dry_run"`
	DefaultBlockDuration int  `yaml:"default_block_duration"`
}

// NotificationChannel describes one outbound notification channel.
type NotificationChannel struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:"config"`
}

// NotificationsConfig controls outbound alert notifications (out of scope
// for the core; carried through unexamined).
type NotificationsConfig struct {
	Enabled  bool                           `yaml:"enabled"`
	Channels map[string]NotificationChannel `yaml:"channels"`
}

// CloudConfig controls an optional cloud backend integration (out of scope
// for the core; carried through unexamined).
type CloudConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"api_url"`
	Token   string `yaml:"token"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. A validation error lists
// every failure found, joined with errors.Join.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	// Discovery defaults to true; a bool's zero value cannot be told apart
	// from an explicit false after unmarshaling, so it is preset here.
	cfg := Config{Logs: LogsConfig{Discovery: true}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults,
// mirroring the default configuration shape of the original agent.
func applyDefaults(cfg *Config) {
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = "sentinel-agent"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
	if cfg.Agent.IPCSocket == "" {
		cfg.Agent.IPCSocket = "/var/run/sentinel/sentinel.sock"
	}
	if cfg.Agent.HealthAddr == "" {
		cfg.Agent.HealthAddr = "127.0.0.1:9000"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/sentinel/sentinel.db"
	}
	if cfg.Logs.MaxTailBytes == 0 {
		cfg.Logs.MaxTailBytes = 1024 * 1024
	}
	if cfg.Detection.RulesPath == "" {
		cfg.Detection.RulesPath = "/etc/sentinel/rules"
	}
	if cfg.Detection.Anomaly.TrainingPeriod == 0 {
		cfg.Detection.Anomaly.TrainingPeriod = 3600
	}
	if cfg.Response.DefaultBlockDuration == 0 {
		cfg.Response.DefaultBlockDuration = 3600
	}
	if cfg.Cloud.APIURL == "" {
		cfg.Cloud.APIURL = "https://api.sentinelai.local"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.Agent.LogLevel] {
		errs = append(errs, fmt.Errorf("agent.log_level %q must be one of: debug, info, warn, error", cfg.Agent.LogLevel))
	}
	if cfg.Detection.RulesPath == "" {
		errs = append(errs, errors.New("detection.rules_path is required"))
	}

	for i, s := range cfg.Logs.Sources {
		prefix := fmt.Sprintf("logs.sources[%d]", i)
		if s.Path == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
	}

	return errors.Join(errs...)
}
