// Package config loads the daemon configuration from <stateDir>/config.yaml,
// applies environment overrides, and validates the result against an
// embedded JSON schema before anything starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// DefaultStateDirName is the per-user state directory under $HOME.
const DefaultStateDirName = ".openclaw"

// SuperKanbanConfig configures the SK client.
type SuperKanbanConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	Token      string `yaml:"token" json:"token"`
	APIKey     string `yaml:"api_key" json:"api_key"`
	AuthHeader string `yaml:"auth_header" json:"auth_header"` // legacy "Name: value"
	TimeoutMs  int    `yaml:"timeout_ms" json:"timeout_ms"`

	AttachPath    string `yaml:"attach_path" json:"attach_path"`
	MessagesPath  string `yaml:"messages_path" json:"messages_path"`
	ToolCallsPath string `yaml:"tool_calls_path" json:"tool_calls_path"`
}

// ExporterConfig configures the transcript exporter.
type ExporterConfig struct {
	PluginID       string   `yaml:"plugin_id" json:"plugin_id"`
	PollIntervalMs int      `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	DebounceMs     int      `yaml:"debounce_ms" json:"debounce_ms"`
	Backfill       bool     `yaml:"backfill" json:"backfill"`
	RedactionMode  string   `yaml:"redaction_mode" json:"redaction_mode"` // off | tools
	Patterns       []string `yaml:"patterns" json:"patterns"`

	MessageContentLimit int `yaml:"message_content_limit" json:"message_content_limit"`
	ToolInputLimit      int `yaml:"tool_input_limit" json:"tool_input_limit"`
	ToolOutputLimit     int `yaml:"tool_output_limit" json:"tool_output_limit"`
}

// GatewayConfig configures the WebSocket core.
type GatewayConfig struct {
	BindAddr           string   `yaml:"bind_addr" json:"bind_addr"`
	AuthToken          string   `yaml:"auth_token" json:"auth_token"`
	MaxBufferedBytes   int64    `yaml:"max_buffered_bytes" json:"max_buffered_bytes"`
	HandshakeTimeoutMs int      `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	AllowOrigins       []string `yaml:"allow_origins" json:"allow_origins"`
}

// TelegramConfig configures the Telegram channel plumbing.
type TelegramConfig struct {
	Token            string `yaml:"token" json:"token"`
	DedupVoice       bool   `yaml:"dedup_voice" json:"dedup_voice"`
	DedupWindowMs    int    `yaml:"dedup_window_ms" json:"dedup_window_ms"`
	DNSResultOrder   string `yaml:"dns_result_order" json:"dns_result_order"` // ipv4first | verbatim
	AutoSelectFamily *bool  `yaml:"auto_select_family" json:"auto_select_family"`
}

// ControllerConfig configures SK-Sync.
type ControllerConfig struct {
	TaskLockTTLSeconds int `yaml:"task_lock_ttl_seconds" json:"task_lock_ttl_seconds"`
}

// ReconcileConfig configures scheduled reconcile passes.
type ReconcileConfig struct {
	Schedule     string   `yaml:"schedule" json:"schedule"` // 5-field cron, empty = disabled
	Agents       []string `yaml:"agents" json:"agents"`
	MaxSessions  int      `yaml:"max_sessions" json:"max_sessions"`
	PreviewLimit int      `yaml:"preview_limit" json:"preview_limit"`
}

// OTelConfig mirrors the telemetry provider settings.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Exporter    string  `yaml:"exporter" json:"exporter"` // otlp | stdout
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" json:"sample_rate"`
}

// SearchConfig holds the web-search lane pacing knob.
type SearchConfig struct {
	MinIntervalMs int `yaml:"min_interval_ms" json:"min_interval_ms"`
}

// Config is the full daemon configuration.
type Config struct {
	StateDir string `yaml:"-" json:"-"`
	LogLevel string `yaml:"log_level" json:"log_level"`
	Quiet    bool   `yaml:"quiet" json:"quiet"`

	SuperKanban SuperKanbanConfig `yaml:"super_kanban" json:"super_kanban"`
	Exporter    ExporterConfig    `yaml:"exporter" json:"exporter"`
	Gateway     GatewayConfig     `yaml:"gateway" json:"gateway"`
	Telegram    TelegramConfig    `yaml:"telegram" json:"telegram"`
	Controller  ControllerConfig  `yaml:"controller" json:"controller"`
	Reconcile   ReconcileConfig   `yaml:"reconcile" json:"reconcile"`
	OTel        OTelConfig        `yaml:"otel" json:"otel"`
	Search      SearchConfig      `yaml:"search" json:"search"`
}

// StateDir resolves the state directory: $OPENCLAW_STATE_DIR or ~/.openclaw.
func StateDir() string {
	if dir := os.Getenv("OPENCLAW_STATE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateDirName
	}
	return filepath.Join(home, DefaultStateDirName)
}

func defaultConfig(stateDir string) Config {
	return Config{
		StateDir: stateDir,
		LogLevel: "info",
		SuperKanban: SuperKanbanConfig{
			TimeoutMs: 10000,
		},
		Exporter: ExporterConfig{
			PluginID:       "super-kanban",
			PollIntervalMs: 1000,
			DebounceMs:     250,
			RedactionMode:  "off",
		},
		Gateway: GatewayConfig{
			BindAddr:           "127.0.0.1:18890",
			MaxBufferedBytes:   1 << 20,
			HandshakeTimeoutMs: 10000,
		},
		Telegram: TelegramConfig{
			DedupWindowMs: 10000,
		},
		Controller: ControllerConfig{
			TaskLockTTLSeconds: 3600,
		},
		OTel: OTelConfig{
			Exporter:    "stdout",
			ServiceName: "openclaw-sk",
			SampleRate:  1.0,
		},
	}
}

// Load reads, overrides, validates, and normalizes the configuration.
func Load(stateDir string) (Config, error) {
	if stateDir == "" {
		stateDir = StateDir()
	}
	cfg := defaultConfig(stateDir)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create state dir: %w", err)
	}

	configPath := filepath.Join(stateDir, "config.yaml")
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
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := firstEnv("SUPER_KANBAN_BASE_URL", "SUPERKANBAN_BASE_URL"); v != "" {
		cfg.SuperKanban.BaseURL = v
	}
	if v := firstEnv("SUPER_KANBAN_TOKEN", "SUPERKANBAN_BEARER_TOKEN"); v != "" {
		cfg.SuperKanban.Token = v
	}
	if v := firstEnv("SUPERKANBAN_API_KEY", "SUPER_KANBAN_API_KEY"); v != "" {
		cfg.SuperKanban.APIKey = v
	}
	if v := os.Getenv("SUPER_KANBAN_AUTH_HEADER"); v != "" {
		cfg.SuperKanban.AuthHeader = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if os.Getenv("OPENCLAW_TELEGRAM_DEDUP_VOICE") == "1" {
		cfg.Telegram.DedupVoice = true
	}
	if v := os.Getenv("BRAVE_SEARCH_MIN_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Search.MinIntervalMs = n
		}
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func normalize(cfg *Config) {
	if cfg.Exporter.PollIntervalMs < 250 {
		cfg.Exporter.PollIntervalMs = 250
	}
	if cfg.Exporter.DebounceMs <= 0 {
		cfg.Exporter.DebounceMs = 250
	}
	if cfg.SuperKanban.TimeoutMs < 500 {
		cfg.SuperKanban.TimeoutMs = 500
	}
	if cfg.Controller.TaskLockTTLSeconds < 60 {
		cfg.Controller.TaskLockTTLSeconds = 60
	}
	if cfg.Telegram.DedupWindowMs <= 0 {
		cfg.Telegram.DedupWindowMs = 10000
	}
	if cfg.Gateway.MaxBufferedBytes <= 0 {
		cfg.Gateway.MaxBufferedBytes = 1 << 20
	}
	if cfg.Gateway.HandshakeTimeoutMs <= 0 {
		cfg.Gateway.HandshakeTimeoutMs = 10000
	}
}

// configSchema constrains the fields where a typo would otherwise fail far
// from startup.
const configSchema = `{
  "type": "object",
  "properties": {
    "log_level": {"enum": ["debug", "info", "warn", "warning", "error"]},
    "exporter": {
      "type": "object",
      "properties": {
        "redaction_mode": {"enum": ["off", "tools"]},
        "poll_interval_ms": {"type": "integer", "minimum": 250},
        "debounce_ms": {"type": "integer", "minimum": 1}
      }
    },
    "telegram": {
      "type": "object",
      "properties": {
        "dns_result_order": {"enum": ["", "ipv4first", "verbatim"]}
      }
    },
    "otel": {
      "type": "object",
      "properties": {
        "exporter": {"enum": ["", "otlp", "stdout"]},
        "sample_rate": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

func validate(cfg *Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config-schema.json", doc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	schema, err := c.Compile("config-schema.json")
	if err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}
