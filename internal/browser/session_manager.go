// Package browser finds, launches and attaches to the debuggable browser
// that hosts the chat application.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"comet-auto/internal/cdp"
	"comet-auto/internal/config"

	"github.com/go-rod/rod/lib/proto"
	"pkt.systems/pslog"
)

var (
	// ErrNotReachable means nothing answers on the remote debugging port.
	ErrNotReachable = errors.New("browser debug port not reachable")
	// ErrExecutableNotFound means auto-launch has no executable to start.
	ErrExecutableNotFound = errors.New("browser executable not found")
	// ErrNoDebuggerURL means the chosen target cannot be attached to.
	ErrNoDebuggerURL = errors.New("target has no websocket debugger url")
)

// EvaluationError reports a script that threw inside the page.
type EvaluationError struct {
	Text        string
	Description string
}

func (e *EvaluationError) Error() string {
	if e.Description != "" {
		return "page script failed: " + e.Description
	}
	return "page script failed: " + e.Text
}

const pingTimeout = 3 * time.Second

// SessionManager owns the protocol connection to the single page target
// used for chatting, reconnecting and relaunching the browser as needed.
type SessionManager struct {
	cfg       config.BrowserConfig
	app       config.AppConfig
	client    *cdp.Client
	discovery *Discovery
	launcher  ProcessLauncher
	detect    func(string) (string, bool)
	pollEvery time.Duration
	killPause time.Duration

	mu     sync.RWMutex
	active Target
}

// Option customizes a SessionManager.
type Option func(*SessionManager)

// WithDiscovery points the manager at a different DevTools HTTP endpoint.
func WithDiscovery(d *Discovery) Option {
	return func(m *SessionManager) { m.discovery = d }
}

// WithProcessLauncher replaces the process launcher.
func WithProcessLauncher(l ProcessLauncher) Option {
	return func(m *SessionManager) { m.launcher = l }
}

// WithDetector replaces executable detection.
func WithDetector(fn func(string) (string, bool)) Option {
	return func(m *SessionManager) { m.detect = fn }
}

// WithPortPolling sets how often the debug port is probed after a launch and
// how long to pause after killing running instances.
func WithPortPolling(every, killPause time.Duration) Option {
	return func(m *SessionManager) {
		m.pollEvery = every
		m.killPause = killPause
	}
}

func NewSessionManager(cfg config.BrowserConfig, app config.AppConfig, opts ...Option) *SessionManager {
	m := &SessionManager{
		cfg:       cfg,
		app:       app,
		client:    cdp.NewClient(cdp.WithEventLimit(cfg.EventQueueLimit)),
		discovery: NewDiscovery(cfg.DevToolsURL()),
		launcher:  NewLauncher(),
		detect:    Detect,
		pollEvery: 500 * time.Millisecond,
		killPause: 1500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Discovery exposes the DevTools HTTP client.
func (m *SessionManager) Discovery() *Discovery { return m.discovery }

// ActiveTarget returns the page target currently attached, if any.
func (m *SessionManager) ActiveTarget() (Target, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, m.active.ID != "" && m.client.Connected()
}

// IsConnected returns whether a protocol connection is open.
func (m *SessionManager) IsConnected() bool {
	return m.client.Connected()
}

// Close drops the protocol connection. The browser keeps running.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	m.active = Target{}
	m.mu.Unlock()
	return m.client.Close()
}

// EnsureConnected pings the current target and reattaches when the ping fails.
func (m *SessionManager) EnsureConnected(ctx context.Context) error {
	if m.client.Connected() {
		if _, err := m.evaluate(ctx, "1+1", pingTimeout); err == nil {
			return nil
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			pslog.Ctx(ctx).Debug("ping failed; reattaching", "err", err)
		}
	}
	return m.ConnectBestTarget(ctx)
}

// EnsureProcess makes sure the debug port answers, launching (and with
// force, first killing) the browser when allowed.
func (m *SessionManager) EnsureProcess(ctx context.Context, force bool) error {
	log := pslog.Ctx(ctx)
	if !force && m.discovery.Reachable(ctx) {
		return nil
	}
	if !m.cfg.AutoLaunch {
		return fmt.Errorf("%w at %s: start the browser with --remote-debugging-port=%d or enable browser.auto_launch",
			ErrNotReachable, m.discovery.BaseURL(), m.cfg.DebugPort)
	}
	exe, ok := m.detect(m.cfg.Executable)
	if !ok {
		return fmt.Errorf("%w: set browser.executable or run setup (configured %q)", ErrExecutableNotFound, m.cfg.Executable)
	}

	if m.cfg.RestartIfMissingFlags {
		log.Info("restarting browser with remote debugging enabled", "exe", exe, "port", m.cfg.DebugPort)
		if err := m.launcher.Kill(ctx, exe); err != nil {
			log.Warn("could not stop running browser", "err", err)
		}
		if err := sleepCtx(ctx, m.killPause); err != nil {
			return err
		}
	}

	launched := make(chan error, 1)
	go func() { launched <- m.launcher.Start(ctx, exe, m.cfg.DebugPort) }()

	wait := m.cfg.LaunchWait()
	deadline := time.Now().Add(wait)
	for {
		if m.discovery.Reachable(ctx) {
			log.Info("browser debug port ready", "url", m.discovery.BaseURL())
			return nil
		}
		select {
		case err := <-launched:
			if err != nil {
				log.Debug("launcher returned early; still waiting for the debug port", "err", err)
			}
			launched = nil
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: port %d did not open within %s", ErrNotReachable, m.cfg.DebugPort, wait)
		}
		if err := sleepCtx(ctx, m.pollEvery); err != nil {
			return err
		}
	}
}

// ConnectBestTarget attaches to the page showing the chat application,
// opening one when the browser has no usable page.
func (m *SessionManager) ConnectBestTarget(ctx context.Context) error {
	if err := m.EnsureProcess(ctx, false); err != nil {
		return err
	}
	target, err := m.pickTarget(ctx)
	if err != nil {
		return err
	}
	err = m.attach(ctx, target)
	if errors.Is(err, cdp.ErrHandshakeRejected) && m.cfg.RestartIfMissingFlags && m.cfg.AutoLaunch {
		pslog.Ctx(ctx).Warn("browser rejected the websocket origin; restarting with --remote-allow-origins")
		if err := m.EnsureProcess(ctx, true); err != nil {
			return err
		}
		if target, err = m.pickTarget(ctx); err != nil {
			return err
		}
		err = m.attach(ctx, target)
	}
	return err
}

// OpenFreshTab opens a new tab on rawURL and attaches to it.
func (m *SessionManager) OpenFreshTab(ctx context.Context, rawURL string) error {
	if err := m.EnsureProcess(ctx, false); err != nil {
		return err
	}
	target, err := m.discovery.NewTab(ctx, rawURL)
	if err != nil {
		return err
	}
	return m.attach(ctx, target)
}

// Navigate loads rawURL in the attached page. A missing load event only
// costs the wait; navigation still counts as done.
func (m *SessionManager) Navigate(ctx context.Context, rawURL string, waitForLoad bool) error {
	if err := m.EnsureConnected(ctx); err != nil {
		return err
	}
	m.client.DrainEvents()
	if _, err := m.client.Send(ctx, proto.PageNavigate{URL: rawURL}, m.cfg.RequestTimeout()); err != nil {
		return fmt.Errorf("navigate to %s: %w", rawURL, err)
	}
	if !waitForLoad {
		return nil
	}
	if _, err := m.client.WaitForEvent(ctx, proto.PageLoadEventFired{}.ProtoEvent(), m.cfg.LoadWait()); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pslog.Ctx(ctx).Debug("load event not observed; continuing", "url", rawURL, "err", err)
	}
	return nil
}

// Evaluate runs expression in the page, awaiting promises, and returns the
// JSON value it produced.
func (m *SessionManager) Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	return m.evaluate(ctx, expression, timeout)
}

type evaluateResult struct {
	Result struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (m *SessionManager) evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout()
	}
	raw, err := m.client.Send(ctx, proto.RuntimeEvaluate{
		Expression:    expression,
		AwaitPromise:  true,
		ReturnByValue: true,
	}, timeout)
	if err != nil {
		return nil, err
	}

	var res evaluateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if res.ExceptionDetails != nil {
		evalErr := &EvaluationError{Text: res.ExceptionDetails.Text}
		if res.ExceptionDetails.Exception != nil {
			evalErr.Description = res.ExceptionDetails.Exception.Description
		}
		return nil, evalErr
	}
	if len(res.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return res.Result.Value, nil
}

func (m *SessionManager) pickTarget(ctx context.Context) (Target, error) {
	targets, err := m.discovery.Targets(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("list targets: %w", err)
	}
	pages := Pages(targets)
	if len(pages) == 0 {
		pslog.Ctx(ctx).Info("no usable page; opening the chat application", "url", m.app.URL)
		return m.discovery.NewTab(ctx, m.app.URL)
	}
	if host := m.app.Host(); host != "" {
		for _, page := range pages {
			if strings.Contains(page.URL, host) {
				return page, nil
			}
		}
	}
	return pages[0], nil
}

func (m *SessionManager) attach(ctx context.Context, target Target) error {
	if target.WebSocketDebuggerURL == "" {
		return fmt.Errorf("%w: %s", ErrNoDebuggerURL, target.ID)
	}
	if err := m.client.Connect(ctx, target.WebSocketDebuggerURL, m.cfg.HandshakeTimeout()); err != nil {
		return err
	}

	m.mu.Lock()
	m.active = target
	m.mu.Unlock()

	m.enableDomains(ctx)
	pslog.Ctx(ctx).Info("attached to page", "target", target.ID, "url", target.URL)
	return nil
}

func (m *SessionManager) enableDomains(ctx context.Context) {
	for _, req := range []proto.Request{
		proto.PageEnable{},
		proto.RuntimeEnable{},
		proto.DOMEnable{},
		proto.NetworkEnable{},
	} {
		if _, err := m.client.Send(ctx, req, m.cfg.RequestTimeout()); err != nil {
			pslog.Ctx(ctx).Debug("domain enable failed", "method", req.ProtoReq(), "err", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
