package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "comet-auto" {
		t.Errorf("expected server name 'comet-auto', got %q", cfg.Server.Name)
	}

	// Browser defaults
	if cfg.Browser.DebugPort != 9223 {
		t.Errorf("expected debug port 9223, got %d", cfg.Browser.DebugPort)
	}
	if !cfg.Browser.AutoLaunch {
		t.Error("expected AutoLaunch to be true")
	}
	if !cfg.Browser.RestartIfMissingFlags {
		t.Error("expected RestartIfMissingFlags to be true")
	}
	if cfg.Browser.EventQueueLimit != 0 {
		t.Errorf("expected unbounded event queue, got %d", cfg.Browser.EventQueueLimit)
	}

	// App defaults
	if cfg.App.URL != "https://www.perplexity.ai/" {
		t.Errorf("unexpected app url %q", cfg.App.URL)
	}
	if cfg.App.Host() != "www.perplexity.ai" {
		t.Errorf("expected host www.perplexity.ai, got %q", cfg.App.Host())
	}

	// Polling defaults
	if cfg.Polling.StabilityThreshold != 3 {
		t.Errorf("expected stability threshold 3, got %d", cfg.Polling.StabilityThreshold)
	}
	if cfg.Polling.MinStableLength != 50 {
		t.Errorf("expected min stable length 50, got %d", cfg.Polling.MinStableLength)
	}
	if cfg.Polling.CompletionMinLength != 120 || cfg.Polling.IdleMinLength != 200 {
		t.Errorf("unexpected completion lengths %d/%d", cfg.Polling.CompletionMinLength, cfg.Polling.IdleMinLength)
	}

	if cfg.API.MaxBodyBytes != 1<<20 {
		t.Errorf("expected 1MB body limit, got %d", cfg.API.MaxBodyBytes)
	}
	if !cfg.Journal.Enable {
		t.Error("expected Journal.Enable to be true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for non-existent file")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"

browser:
  executable: "/opt/comet/comet"
  debug_port: 9333
  auto_launch: false
  call_timeout: "4s"

app:
  url: "https://chat.example.com/"

polling:
  interval: "250ms"
  stability_threshold: 4

trace:
  enable: true
  dir: "/tmp/traces"
  keep: 3
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected server name 'test-server', got %q", cfg.Server.Name)
	}
	if cfg.Browser.Executable != "/opt/comet/comet" {
		t.Errorf("unexpected executable %q", cfg.Browser.Executable)
	}
	if cfg.Browser.DebugPort != 9333 {
		t.Errorf("expected debug port 9333, got %d", cfg.Browser.DebugPort)
	}
	if cfg.Browser.AutoLaunch {
		t.Error("expected AutoLaunch to be false")
	}
	if cfg.Browser.RequestTimeout() != 4*time.Second {
		t.Errorf("expected 4s call timeout, got %v", cfg.Browser.RequestTimeout())
	}
	if cfg.App.Host() != "chat.example.com" {
		t.Errorf("unexpected host %q", cfg.App.Host())
	}
	if cfg.Polling.PollInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms interval, got %v", cfg.Polling.PollInterval())
	}
	if cfg.Polling.StabilityThreshold != 4 {
		t.Errorf("expected threshold 4, got %d", cfg.Polling.StabilityThreshold)
	}
	// Keys missing from the file keep their defaults.
	if cfg.Polling.GraceWindow() != 3*time.Second {
		t.Errorf("expected default grace, got %v", cfg.Polling.GraceWindow())
	}
	if cfg.Browser.DebugHost != "127.0.0.1" {
		t.Errorf("expected default debug host, got %q", cfg.Browser.DebugHost)
	}
	if cfg.Trace.Keep != 3 {
		t.Errorf("expected keep 3, got %d", cfg.Trace.Keep)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("browser:\n  debug_port: 9300\n"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("COMET_AUTO_BROWSER_DEBUG_PORT", "9444")
	t.Setenv("COMET_AUTO_APP_URL", "https://other.example.org/")
	t.Setenv(APIKeyEnv, "secret")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Browser.DebugPort != 9444 {
		t.Errorf("expected env port 9444, got %d", cfg.Browser.DebugPort)
	}
	if cfg.App.Host() != "other.example.org" {
		t.Errorf("expected env app url, got %q", cfg.App.URL)
	}
	if cfg.API.APIKey != "secret" {
		t.Errorf("expected api key from env, got %q", cfg.API.APIKey)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Browser.Executable = "/usr/bin/comet"
	cfg.Browser.DebugPort = 9555

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Browser.Executable != "/usr/bin/comet" || loaded.Browser.DebugPort != 9555 {
		t.Errorf("round trip lost browser settings: %+v", loaded.Browser)
	}
}

func TestValidate(t *testing.T) {
	valid := DefaultConfig()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "defaults",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "empty server name",
			mutate:  func(c *Config) { c.Server.Name = "" },
			wantErr: true,
			errMsg:  "server.name is required",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Browser.DebugPort = 70000 },
			wantErr: true,
			errMsg:  "browser.debug_port must be between 1 and 65535, got 70000",
		},
		{
			name:    "missing app url",
			mutate:  func(c *Config) { c.App.URL = " " },
			wantErr: true,
			errMsg:  "app.url is required",
		},
		{
			name:    "app url without host",
			mutate:  func(c *Config) { c.App.URL = "perplexity" },
			wantErr: true,
			errMsg:  `app.url must include scheme and host, got "perplexity"`,
		},
		{
			name:    "zero threshold",
			mutate:  func(c *Config) { c.Polling.StabilityThreshold = 0 },
			wantErr: true,
			errMsg:  "polling.stability_threshold must be at least 1",
		},
		{
			name: "trace without dir",
			mutate: func(c *Config) {
				c.Trace.Enable = true
				c.Trace.Dir = ""
			},
			wantErr: true,
			errMsg:  "trace.dir is required when trace.enable is set",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if err.Error() != tt.errMsg {
					t.Errorf("expected %q, got %q", tt.errMsg, err.Error())
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestDurationGetters(t *testing.T) {
	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"empty launch timeout", BrowserConfig{}.LaunchWait(), 20 * time.Second},
		{"invalid load timeout", BrowserConfig{LoadTimeout: "soon"}.LoadWait(), 15 * time.Second},
		{"negative handshake", BrowserConfig{ConnectTimeout: "-1s"}.HandshakeTimeout(), 10 * time.Second},
		{"custom input wait", AppConfig{InputTimeout: "5s"}.InputWait(), 5 * time.Second},
		{"default settle", AppConfig{}.Settle(), 800 * time.Millisecond},
		{"default resubmit", PollingConfig{}.ResubmitDelay(), 6 * time.Second},
		{"default idle", PollingConfig{}.IdleWindow(), 8 * time.Second},
		{"custom ask timeout", PollingConfig{DefaultTimeout: "2m"}.AskTimeout(), 2 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, tt.got)
			}
		})
	}
}

func TestDevToolsURL(t *testing.T) {
	if got := (BrowserConfig{DebugPort: 9223}).DevToolsURL(); got != "http://127.0.0.1:9223" {
		t.Errorf("unexpected url %q", got)
	}
	if got := (BrowserConfig{DebugHost: "localhost", DebugPort: 9000}).DevToolsURL(); got != "http://localhost:9000" {
		t.Errorf("unexpected url %q", got)
	}
}

func TestSeconds(t *testing.T) {
	fallback := 7 * time.Second
	tests := []struct {
		in   float64
		want time.Duration
	}{
		{1.5, 1500 * time.Millisecond},
		{30, 30 * time.Second},
		{0, fallback},
		{-3, fallback},
		{math.NaN(), fallback},
		{math.Inf(1), fallback},
		{1e11, MaxAskTimeout},
		{1e300, MaxAskTimeout},
		{MaxAskTimeout.Seconds(), MaxAskTimeout},
	}
	for _, tt := range tests {
		if got := Seconds(tt.in, fallback); got != tt.want {
			t.Errorf("Seconds(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
