package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"comet-auto/internal/config"
	"comet-auto/internal/session"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func stubDetect(t *testing.T, exe string, ok bool) {
	t.Helper()
	prev := detectExecutable
	detectExecutable = func(configured string) (string, bool) {
		if configured != "" {
			return configured, true
		}
		return exe, ok
	}
	t.Cleanup(func() { detectExecutable = prev })
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain", err: errors.New("boom"), want: 1},
		{name: "usage", err: usageError(errors.New("bad flag")), want: 2},
		{name: "wrapped usage", err: errors.Join(errors.New("ctx"), usageError(errors.New("x"))), want: 2},
		{name: "ask failure", err: session.ErrTimeout, want: 1},
	}
	for _, tc := range tests {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
	if usageError(nil) != nil {
		t.Fatal("usageError(nil) should be nil")
	}
}

func TestReadPrompt(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "argument", args: []string{"  what is 2+2?  "}, stdin: "ignored", want: "what is 2+2?"},
		{name: "stdin", stdin: "from a pipe\n", want: "from a pipe"},
		{name: "blank argument falls back to stdin", args: []string{"  "}, stdin: "piped", want: "piped"},
		{name: "empty", stdin: " \n", wantErr: true},
	}
	for _, tc := range tests {
		got, err := readPrompt(tc.args, strings.NewReader(tc.stdin))
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tc.name)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("%s: readPrompt = %q, %v; want %q", tc.name, got, err, tc.want)
		}
	}
}

func TestWriteAnswer(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAnswer(&buf, session.Answer{Text: "  The answer is 4.\n"}); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.String(), "The answer is 4.\n===COMPLETED===\n"; got != want {
		t.Fatalf("output = %q, want %q", got, want)
	}
}

func TestAskOptionsTimeout(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Polling.DefaultTimeout = "45s"

	flag := newAskCmd(&rootOptions{}).Flags().Lookup("timeout")
	if flag == nil || flag.DefValue != "0" {
		t.Fatalf("--timeout should default to 0, got %+v", flag)
	}

	tests := []struct {
		name     string
		timeoutS float64
		want     time.Duration
	}{
		{name: "unset uses config", timeoutS: 0, want: 45 * time.Second},
		{name: "negative uses config", timeoutS: -1, want: 45 * time.Second},
		{name: "explicit", timeoutS: 1.5, want: 1500 * time.Millisecond},
		{name: "huge is capped", timeoutS: 1e11, want: config.MaxAskTimeout},
	}
	for _, tc := range tests {
		opts := askOptions(cfg, true, tc.timeoutS)
		if opts.Timeout != tc.want || !opts.NewChat {
			t.Fatalf("%s: options = %+v, want timeout %v", tc.name, opts, tc.want)
		}
	}
}

func TestAskUsageErrors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.yaml")
	tests := []struct {
		name  string
		stdin string
		args  []string
	}{
		{name: "empty prompt", args: []string{"ask"}},
		{name: "two prompts", args: []string{"ask", "a", "b"}},
		{name: "unknown flag", args: []string{"ask", "--nope", "hi"}},
		{name: "explicit missing config", args: []string{"ask", "--config", missing, "hi"}},
	}
	for _, tc := range tests {
		_, err := run(t, tc.stdin, tc.args...)
		if got := exitCode(err); got != 2 {
			t.Fatalf("%s: exit code %d (err %v), want 2", tc.name, got, err)
		}
	}
}

func TestSetupWritesConfig(t *testing.T) {
	stubDetect(t, "/opt/comet/comet", true)
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")

	out, err := run(t, "", "setup", "--config", path, "--debug-port", "9333", "--api-key", "k1")
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if strings.TrimSpace(out) != path {
		t.Fatalf("unexpected output %q", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Browser.Executable != "/opt/comet/comet" || cfg.Browser.DebugPort != 9333 || cfg.API.APIKey != "k1" {
		t.Fatalf("unexpected config: %+v", cfg.Browser)
	}

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := run(t, "", "setup", "--config", path)
		if exitCode(err) != 2 {
			t.Fatalf("expected usage error, got %v", err)
		}
		if _, err := run(t, "", "setup", "--config", path, "--force"); err != nil {
			t.Fatalf("setup --force: %v", err)
		}
	})
}

func TestSetupWithoutBrowser(t *testing.T) {
	stubDetect(t, "", false)
	path := filepath.Join(t.TempDir(), "config.yaml")
	_, err := run(t, "", "setup", "--config", path)
	if exitCode(err) != 2 {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.DefaultConfig()
	cfg.Browser.Executable = "/usr/local/bin/comet"
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	stubDetect(t, "", false)

	out, err := run(t, "", "detect", "--config", path)
	if err != nil {
		t.Fatalf("detect failed: %v", err)
	}
	if strings.TrimSpace(out) != "/usr/local/bin/comet" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNewStack(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Trace.Enable = true
	cfg.Trace.Dir = t.TempDir()

	st, err := newStack(cfg)
	if err != nil {
		t.Fatalf("newStack: %v", err)
	}
	defer func() { _ = st.Close() }()

	if st.engine == nil || st.recorder == nil || st.serial == nil {
		t.Fatalf("stack not fully wired: %+v", st)
	}
	if st.serial.State() != session.StateDisconnected {
		t.Fatalf("unexpected initial state %s", st.serial.State())
	}

	cfg.Journal.Enable = false
	cfg.Trace.Enable = false
	bare, err := newStack(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = bare.Close() }()
	if bare.engine != nil || bare.recorder != nil {
		t.Fatal("disabled journal/trace should not be wired")
	}
}
