package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigFile is the config file name used when --config is not given.
	DefaultConfigFile = "config.yaml"
	// EnvPrefix is the prefix for environment overrides (COMET_AUTO_BROWSER_DEBUG_PORT, ...).
	EnvPrefix = "COMET_AUTO"
	// APIKeyEnv overrides api.api_key when set.
	APIKeyEnv = "COMET_AUTO_API_KEY"
)

// ErrNotFound is returned by Load when the config file does not exist.
var ErrNotFound = errors.New("config file not found")

// Config captures all tunable settings for comet-auto.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	App     AppConfig     `mapstructure:"app" yaml:"app"`
	Polling PollingConfig `mapstructure:"polling" yaml:"polling"`
	API     APIConfig     `mapstructure:"api" yaml:"api"`
	MCP     MCPConfig     `mapstructure:"mcp" yaml:"mcp"`
	Journal JournalConfig `mapstructure:"journal" yaml:"journal"`
	Trace   TraceConfig   `mapstructure:"trace" yaml:"trace"`
}

type ServerConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Version string `mapstructure:"version" yaml:"version"`
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// BrowserConfig configures how the debuggable browser process is found, started and reached.
type BrowserConfig struct {
	// Path to the browser executable. Empty means detect at runtime.
	Executable string `mapstructure:"executable" yaml:"executable"`
	// Host of the remote debugging HTTP endpoint.
	DebugHost string `mapstructure:"debug_host" yaml:"debug_host"`
	// Remote debugging port the browser listens on.
	DebugPort int `mapstructure:"debug_port" yaml:"debug_port"`
	// Launch the browser when the debug port is not reachable.
	AutoLaunch bool `mapstructure:"auto_launch" yaml:"auto_launch"`
	// Kill running instances before launching so the debug flags take effect.
	RestartIfMissingFlags bool `mapstructure:"restart_if_missing_flags" yaml:"restart_if_missing_flags"`
	// How long to wait for the debug port after launching (e.g., "20s").
	LaunchTimeout string `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	// Websocket handshake timeout (e.g., "10s").
	ConnectTimeout string `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	// Default per-call timeout for protocol requests (e.g., "10s").
	CallTimeout string `mapstructure:"call_timeout" yaml:"call_timeout"`
	// How long to wait for Page.loadEventFired after navigating (e.g., "15s").
	LoadTimeout string `mapstructure:"load_timeout" yaml:"load_timeout"`
	// Maximum buffered protocol events; 0 keeps every event until consumed.
	EventQueueLimit int `mapstructure:"event_queue_limit" yaml:"event_queue_limit"`
}

// AppConfig describes the chat application being driven.
type AppConfig struct {
	URL              string `mapstructure:"url" yaml:"url"`
	InputTimeout     string `mapstructure:"input_timeout" yaml:"input_timeout"`
	SettleDelay      string `mapstructure:"settle_delay" yaml:"settle_delay"`
	SubmitCheckDelay string `mapstructure:"submit_check_delay" yaml:"submit_check_delay"`
}

// PollingConfig tunes the completion heuristics.
type PollingConfig struct {
	Interval            string `mapstructure:"interval" yaml:"interval"`
	Grace               string `mapstructure:"grace" yaml:"grace"`
	ResubmitAfter       string `mapstructure:"resubmit_after" yaml:"resubmit_after"`
	IdleCompletion      string `mapstructure:"idle_completion" yaml:"idle_completion"`
	RetryPause          string `mapstructure:"retry_pause" yaml:"retry_pause"`
	DefaultTimeout      string `mapstructure:"default_timeout" yaml:"default_timeout"`
	StabilityThreshold  int    `mapstructure:"stability_threshold" yaml:"stability_threshold"`
	MinStableLength     int    `mapstructure:"min_stable_length" yaml:"min_stable_length"`
	CompletionMinLength int    `mapstructure:"completion_min_length" yaml:"completion_min_length"`
	IdleMinLength       int    `mapstructure:"idle_min_length" yaml:"idle_min_length"`
	MaxRetries          int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// APIConfig configures the HTTP ask endpoint.
type APIConfig struct {
	Addr         string `mapstructure:"addr" yaml:"addr"`
	APIKey       string `mapstructure:"api_key" yaml:"api_key"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

type MCPConfig struct {
	// When set, serves MCP over SSE on this port alongside the HTTP API.
	SSEPort int `mapstructure:"sse_port" yaml:"sse_port"`
}

// JournalConfig controls the embedded ask journal.
type JournalConfig struct {
	Enable          bool   `mapstructure:"enable" yaml:"enable"`
	SchemaPath      string `mapstructure:"schema_path" yaml:"schema_path"`
	FactBufferLimit int    `mapstructure:"fact_buffer_limit" yaml:"fact_buffer_limit"`
}

// TraceConfig controls the per-ask JSONL traces.
type TraceConfig struct {
	Enable bool   `mapstructure:"enable" yaml:"enable"`
	Dir    string `mapstructure:"dir" yaml:"dir"`
	Keep   int    `mapstructure:"keep" yaml:"keep"`
}

// DefaultConfig provides reasonable defaults for a local Comet install.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "comet-auto",
			Version: "0.3.0",
		},
		Browser: BrowserConfig{
			DebugHost:             "127.0.0.1",
			DebugPort:             9223,
			AutoLaunch:            true,
			RestartIfMissingFlags: true,
			LaunchTimeout:         "20s",
			ConnectTimeout:        "10s",
			CallTimeout:           "10s",
			LoadTimeout:           "15s",
		},
		App: AppConfig{
			URL:              "https://www.perplexity.ai/",
			InputTimeout:     "20s",
			SettleDelay:      "800ms",
			SubmitCheckDelay: "800ms",
		},
		Polling: PollingConfig{
			Interval:            "1s",
			Grace:               "3s",
			ResubmitAfter:       "6s",
			IdleCompletion:      "8s",
			RetryPause:          "1s",
			DefaultTimeout:      "120s",
			StabilityThreshold:  3,
			MinStableLength:     50,
			CompletionMinLength: 120,
			IdleMinLength:       200,
			MaxRetries:          5,
		},
		API: APIConfig{
			Addr:         "127.0.0.1:8765",
			MaxBodyBytes: 1 << 20,
		},
		Journal: JournalConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Trace: TraceConfig{
			Enable: false,
			Dir:    "traces",
			Keep:   20,
		},
	}
}

// Load reads YAML config from disk, overlays defaults and applies
// COMET_AUTO_* environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return cfg, err
	}

	v := newViper(cfg)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	applyEnv(&cfg)

	return cfg, cfg.Validate()
}

// FromEnv returns the defaults with environment overrides applied, for
// running without a config file.
func FromEnv() (Config, error) {
	cfg := DefaultConfig()
	v := newViper(cfg)
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}
	// The file can hold the API key.
	return os.WriteFile(path, raw, 0o600)
}

func newViper(cfg Config) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so every
	// field gets a default.
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return v
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return v
	}
	setDefaults(v, "", tree)
	return v
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(v, full, nested)
			continue
		}
		v.SetDefault(full, value)
	}
}

func applyEnv(cfg *Config) {
	if key := strings.TrimSpace(os.Getenv(APIKeyEnv)); key != "" {
		cfg.API.APIKey = key
	}
	cfg.Browser.Executable = os.ExpandEnv(cfg.Browser.Executable)
	cfg.Trace.Dir = os.ExpandEnv(cfg.Trace.Dir)
}

// Validate ensures required fields exist so the tool can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.DebugPort <= 0 || c.Browser.DebugPort > 65535 {
		return fmt.Errorf("browser.debug_port must be between 1 and 65535, got %d", c.Browser.DebugPort)
	}
	if strings.TrimSpace(c.App.URL) == "" {
		return errors.New("app.url is required")
	}
	parsed, err := url.Parse(c.App.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("app.url must include scheme and host, got %q", c.App.URL)
	}
	if c.Polling.StabilityThreshold < 1 {
		return errors.New("polling.stability_threshold must be at least 1")
	}
	if c.Trace.Enable && strings.TrimSpace(c.Trace.Dir) == "" {
		return errors.New("trace.dir is required when trace.enable is set")
	}
	return nil
}

// DevToolsURL returns the base URL of the remote debugging HTTP endpoint.
func (b BrowserConfig) DevToolsURL() string {
	host := b.DebugHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, b.DebugPort)
}

// LaunchWait returns how long to wait for the debug port after launching.
func (b BrowserConfig) LaunchWait() time.Duration {
	return parseDuration(b.LaunchTimeout, 20*time.Second)
}

// HandshakeTimeout returns the websocket handshake timeout.
func (b BrowserConfig) HandshakeTimeout() time.Duration {
	return parseDuration(b.ConnectTimeout, 10*time.Second)
}

// RequestTimeout returns the default protocol call timeout.
func (b BrowserConfig) RequestTimeout() time.Duration {
	return parseDuration(b.CallTimeout, 10*time.Second)
}

// LoadWait returns how long navigation waits for the load event.
func (b BrowserConfig) LoadWait() time.Duration {
	return parseDuration(b.LoadTimeout, 15*time.Second)
}

// Host returns the hostname of the chat application (e.g., www.perplexity.ai).
func (a AppConfig) Host() string {
	parsed, err := url.Parse(a.URL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// InputWait returns how long to wait for the prompt input to become usable.
func (a AppConfig) InputWait() time.Duration {
	return parseDuration(a.InputTimeout, 20*time.Second)
}

// Settle returns the pause after preparing a fresh conversation.
func (a AppConfig) Settle() time.Duration {
	return parseDuration(a.SettleDelay, 800*time.Millisecond)
}

// SubmitCheck returns the pause between pressing Enter and checking submission.
func (a AppConfig) SubmitCheck() time.Duration {
	return parseDuration(a.SubmitCheckDelay, 800*time.Millisecond)
}

func (p PollingConfig) PollInterval() time.Duration {
	return parseDuration(p.Interval, time.Second)
}

func (p PollingConfig) GraceWindow() time.Duration {
	return parseDuration(p.Grace, 3*time.Second)
}

func (p PollingConfig) ResubmitDelay() time.Duration {
	return parseDuration(p.ResubmitAfter, 6*time.Second)
}

func (p PollingConfig) IdleWindow() time.Duration {
	return parseDuration(p.IdleCompletion, 8*time.Second)
}

func (p PollingConfig) RetryDelay() time.Duration {
	return parseDuration(p.RetryPause, time.Second)
}

// AskTimeout returns the ask timeout used when the caller passes none.
func (p PollingConfig) AskTimeout() time.Duration {
	return parseDuration(p.DefaultTimeout, 120*time.Second)
}

// MaxAskTimeout caps caller-supplied ask timeouts.
const MaxAskTimeout = 24 * time.Hour

// Seconds converts a caller-supplied timeout in seconds to a duration.
// Non-positive and non-finite values yield fallback; larger values are
// capped at MaxAskTimeout before conversion so they cannot overflow.
func Seconds(s float64, fallback time.Duration) time.Duration {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fallback
	}
	if s >= MaxAskTimeout.Seconds() {
		return MaxAskTimeout
	}
	return time.Duration(s * float64(time.Second))
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
