package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// ProcessLauncher starts and stops the debuggable browser process.
type ProcessLauncher interface {
	Start(ctx context.Context, exe string, port int) error
	Kill(ctx context.Context, exe string) error
}

// Launcher starts the browser with the user's real profile through Rod's
// launcher in user mode.
type Launcher struct{}

// NewLauncher returns the default process launcher.
func NewLauncher() *Launcher { return &Launcher{} }

// Start launches exe with remote debugging on port. Rod waits for the
// DevTools banner; when the browser hands off to an already running
// instance that banner never appears, so callers should keep probing the
// port after an error.
func (l *Launcher) Start(_ context.Context, exe string, port int) error {
	// No context: the browser must outlive the request that launched it.
	launch := launcher.NewUserMode().
		Bin(exe).
		Set(flags.RemoteDebuggingPort, strconv.Itoa(port)).
		Set(flags.Flag("remote-allow-origins"), "*").
		Delete(flags.Flag("no-startup-window"))

	if _, err := launch.Launch(); err != nil {
		return fmt.Errorf("launch %s: %w", filepath.Base(exe), err)
	}
	return nil
}

// Kill force-terminates every running instance of exe so the next start
// picks up the debugging flags.
func (l *Launcher) Kill(ctx context.Context, exe string) error {
	image := filepath.Base(exe)
	name, args := killCommand(runtime.GOOS, exe)
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		// pkill exits 1 and taskkill 128 when nothing matched.
		if errors.As(err, &exitErr) {
			return nil
		}
		return fmt.Errorf("kill %s: %w (%s)", image, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// killCommand builds the platform kill invocation for exe. On unix the
// pattern is anchored to the executable path so sibling binaries sharing a
// prefix (comet-auto next to comet) survive.
func killCommand(goos, exe string) (string, []string) {
	if goos == "windows" {
		return "taskkill", []string{"/F", "/IM", filepath.Base(exe)}
	}
	return "pkill", []string{"-f", killPattern(exe)}
}

func killPattern(exe string) string {
	return "^" + regexp.QuoteMeta(exe) + "( |$)"
}

// KnownLocations returns the usual install paths of the Comet browser.
func KnownLocations() []string {
	var paths []string
	switch runtime.GOOS {
	case "windows":
		for _, env := range []string{"LOCALAPPDATA", "APPDATA"} {
			if base := os.Getenv(env); base != "" {
				paths = append(paths, filepath.Join(base, "Perplexity", "Comet", "Application", "comet.exe"))
			}
		}
		paths = append(paths,
			`C:\Program Files\Perplexity\Comet\Application\comet.exe`,
			`C:\Program Files (x86)\Perplexity\Comet\Application\comet.exe`,
		)
	case "darwin":
		paths = append(paths, "/Applications/Comet.app/Contents/MacOS/Comet")
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, filepath.Join(home, "Applications", "Comet.app", "Contents", "MacOS", "Comet"))
		}
	default:
		paths = append(paths, "/usr/bin/comet", "/opt/comet/comet")
	}
	return paths
}

// Detect resolves the browser executable: the configured path, the known
// Comet locations, then any Chromium-family browser Rod can find.
func Detect(configured string) (string, bool) {
	if configured != "" && fileExists(configured) {
		return configured, true
	}
	for _, candidate := range KnownLocations() {
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return launcher.LookPath()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
