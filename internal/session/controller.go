// Package session drives one chat conversation: it prepares the page, types
// and submits prompts, and polls the page until the agent's answer is final.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"comet-auto/internal/config"
	"comet-auto/internal/mangle"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// Browser is the page connection the controller works through.
type Browser interface {
	EnsureConnected(ctx context.Context) error
	Navigate(ctx context.Context, url string, waitForLoad bool) error
	OpenFreshTab(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error)
}

// EngineSink receives journal facts about every ask.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// TraceSink records a per-ask event trace.
type TraceSink interface {
	Start(askID string) error
	Log(eventType, askID string, data interface{})
	Close() error
}

// State is the controller's position in the ask workflow.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateTargetSelecting State = "target_selecting"
	StatePageReady       State = "page_ready"
	StateTyping          State = "typing"
	StateSubmitted       State = "submitted"
	StatePolling         State = "polling"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateTimedOut        State = "timed_out"
)

const (
	inputPollInterval = 500 * time.Millisecond
	typingPause       = 300 * time.Millisecond
)

// AskOptions tunes a single Ask.
type AskOptions struct {
	// NewChat starts a fresh conversation instead of following up.
	NewChat bool
	// Timeout bounds the wait for the answer after submission. Zero or
	// negative uses polling.default_timeout.
	Timeout time.Duration
}

// Answer is the result of a successful Ask.
type Answer struct {
	AskID       string        `json:"ask_id"`
	Text        string        `json:"text"`
	Elapsed     time.Duration `json:"elapsed"`
	Polls       int           `json:"polls"`
	Retries     int           `json:"retries"`
	Resubmitted bool          `json:"resubmitted"`
	// Partial marks an answer returned at the deadline before it was confirmed final.
	Partial bool `json:"partial"`
}

// Controller runs asks against one chat page. Asks must not overlap; wrap
// the controller in a Serial when several callers share it.
type Controller struct {
	browser Browser
	surface Surface
	app     config.AppConfig
	polling config.PollingConfig
	engine  EngineSink
	trace   TraceSink
	clock   Clock
	tracker *StabilityTracker

	mu    sync.RWMutex
	state State
}

// Option customizes a Controller.
type Option func(*Controller)

// WithSurface replaces the page surface built on the browser.
func WithSurface(s Surface) Option {
	return func(c *Controller) { c.surface = s }
}

// WithEngineSink sends journal facts to sink.
func WithEngineSink(sink EngineSink) Option {
	return func(c *Controller) { c.engine = sink }
}

// WithTraceSink records every ask to sink.
func WithTraceSink(sink TraceSink) Option {
	return func(c *Controller) { c.trace = sink }
}

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

func NewController(browser Browser, app config.AppConfig, polling config.PollingConfig, opts ...Option) *Controller {
	c := &Controller{
		browser: browser,
		app:     app,
		polling: polling,
		clock:   realClock{},
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.surface == nil {
		c.surface = NewPageSurface(browser, 0)
	}
	c.tracker = c.newTracker()
	return c
}

// State returns the current workflow state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(ctx context.Context, s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		pslog.Ctx(ctx).Debug("session state", "from", string(prev), "to", string(s))
	}
}

func (c *Controller) newTracker() *StabilityTracker {
	return NewStabilityTracker(c.polling.StabilityThreshold, c.polling.MinStableLength)
}

// Connect attaches to the browser and waits for the chat input.
func (c *Controller) Connect(ctx context.Context) error {
	c.setState(ctx, StateConnecting)
	if err := c.browser.EnsureConnected(ctx); err != nil {
		c.setState(ctx, StateDisconnected)
		return err
	}
	return c.PreparePage(ctx, false)
}

// Navigate loads url in the attached page and waits for it to load.
func (c *Controller) Navigate(ctx context.Context, url string) error {
	if err := c.browser.EnsureConnected(ctx); err != nil {
		return err
	}
	return c.browser.Navigate(ctx, url, true)
}

// Status takes one observation of the page without touching ask tracking.
func (c *Controller) Status(ctx context.Context) (AgentStatus, error) {
	if err := c.browser.EnsureConnected(ctx); err != nil {
		return AgentStatus{}, err
	}
	rec, err := c.surface.Status(ctx)
	if err != nil {
		return AgentStatus{}, err
	}
	return c.newTracker().Observe(rec), nil
}

// PreparePage makes sure the chat application is loaded with a usable input.
// With fresh set it starts from the home page and clears leftover input.
func (c *Controller) PreparePage(ctx context.Context, fresh bool) error {
	log := pslog.Ctx(ctx)

	c.setState(ctx, StateConnecting)
	if err := c.browser.EnsureConnected(ctx); err != nil {
		c.setState(ctx, StateDisconnected)
		return err
	}

	c.setState(ctx, StateTargetSelecting)
	loc, err := c.surface.Location(ctx)
	if err != nil {
		log.Debug("could not read page location", "err", err)
	}
	if fresh || !c.onApp(loc) {
		log.Info("opening chat application", "url", c.app.URL, "fresh", fresh)
		if err := c.browser.Navigate(ctx, c.app.URL, true); err != nil {
			return err
		}
	}

	state, err := c.waitForInput(ctx)
	if err != nil {
		return err
	}
	if !state.Usable() {
		log.Warn("chat input not found; opening a fresh tab", "url", state.URL, "ready", state.Ready)
		if err := c.browser.OpenFreshTab(ctx, c.app.URL); err != nil {
			return &NoInputError{Last: state, Err: err}
		}
		if state, err = c.waitForInput(ctx); err != nil {
			return err
		}
		if !state.Usable() {
			return &NoInputError{Last: state}
		}
	}

	if fresh {
		if err := c.surface.ClearInput(ctx); err != nil {
			log.Debug("clear input failed", "err", err)
		}
	}
	c.setState(ctx, StatePageReady)
	return nil
}

func (c *Controller) onApp(location string) bool {
	host := strings.TrimPrefix(c.app.Host(), "www.")
	return location != "" && strings.Contains(location, host)
}

// waitForInput polls until a visible input shows up or input_timeout passes.
// Only context errors are returned; a timeout yields the last state seen.
func (c *Controller) waitForInput(ctx context.Context) (InputState, error) {
	deadline := c.clock.Now().Add(c.app.InputWait())
	var last InputState
	for {
		state, err := c.surface.InputState(ctx)
		if err == nil {
			last = state
			if state.Usable() {
				return state, nil
			}
		} else if ctx.Err() != nil {
			return last, ctx.Err()
		}
		if !c.clock.Now().Before(deadline) {
			return last, nil
		}
		if err := c.clock.Sleep(ctx, inputPollInterval); err != nil {
			return last, err
		}
	}
}

// Ask submits prompt and waits for the agent's final answer.
func (c *Controller) Ask(ctx context.Context, prompt string, opts AskOptions) (Answer, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Answer{}, ErrEmptyPrompt
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.polling.AskTimeout()
	}

	askID := uuid.NewString()
	log := pslog.Ctx(ctx).With("ask", askID)
	ctx = pslog.ContextWithLogger(ctx, log)

	text := MakeAgentic(NormalizePrompt(prompt))
	if text != prompt {
		log.Debug("prompt rewritten", "prompt", text)
	}

	started := c.clock.Now()
	c.startTrace(ctx, askID, text, opts)
	c.emit(ctx, "ask_started", askID, text, opts.NewChat, started.UnixMilli())

	answer, err := c.ask(ctx, askID, text, opts.NewChat, timeout)
	answer.AskID = askID
	elapsed := c.clock.Now().Sub(started)
	if answer.Elapsed == 0 {
		answer.Elapsed = elapsed
	}

	outcome := outcomeOf(answer, err)
	c.emit(ctx, "ask_outcome", askID, outcome, elapsed.Milliseconds())
	c.finishTrace(ctx, askID, outcome, answer, err)
	recordOutcome(outcome, elapsed)

	switch outcome {
	case "answered", "partial":
		c.setState(ctx, StateCompleted)
		log.Info("answer ready", "chars", textLen(answer.Text), "polls", answer.Polls, "elapsed", answer.Elapsed.String(), "partial", answer.Partial)
	case "timeout", "no_activity":
		c.setState(ctx, StateTimedOut)
		log.Warn("ask timed out", "outcome", outcome, "polls", answer.Polls)
	default:
		c.setState(ctx, StateFailed)
		log.Warn("ask failed", "err", err)
	}
	return answer, err
}

func (c *Controller) ask(ctx context.Context, askID, text string, newChat bool, timeout time.Duration) (Answer, error) {
	c.tracker.Reset()
	if err := c.PreparePage(ctx, newChat); err != nil {
		return Answer{}, err
	}
	if newChat {
		if err := c.clock.Sleep(ctx, c.app.Settle()); err != nil {
			return Answer{}, err
		}
	}

	base := c.baseline(ctx)
	if err := c.submit(ctx, askID, text); err != nil {
		return Answer{}, err
	}
	return c.poll(ctx, askID, base, timeout)
}

// baseline is what the page showed before the prompt was sent.
type baseline struct {
	Response     string
	ErrorKind    string
	ErrorMessage string
}

func (c *Controller) baseline(ctx context.Context) baseline {
	rec, err := c.surface.Status(ctx)
	if err != nil {
		pslog.Ctx(ctx).Debug("baseline status unavailable", "err", err)
		return baseline{}
	}
	if rec == nil {
		return baseline{}
	}
	return baseline{
		Response:     strings.TrimSpace(rec.Response),
		ErrorKind:    rec.ErrorType,
		ErrorMessage: rec.ErrorText,
	}
}

// submit types text and sends it, escalating from the Enter key to clicking
// a submit button to dispatching the form's submit event.
func (c *Controller) submit(ctx context.Context, askID, text string) error {
	log := pslog.Ctx(ctx)
	c.setState(ctx, StateTyping)

	typed, err := c.surface.TypeText(ctx, text)
	if err != nil {
		return fmt.Errorf("type prompt: %w", err)
	}
	if !typed.Found {
		return ErrInputRejected
	}
	if !typed.OK {
		log.Warn("input did not report the typed text; submitting anyway")
	}

	if err := c.clock.Sleep(ctx, typingPause); err != nil {
		return err
	}
	if _, err := c.surface.PressEnter(ctx); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	if err := c.clock.Sleep(ctx, c.app.SubmitCheck()); err != nil {
		return err
	}

	method := "enter"
	if ok, err := c.surface.Submitted(ctx); err != nil || !ok {
		switch {
		case c.tryAction(ctx, "click submit", c.surface.ClickSubmit):
			method = "click"
		case c.tryAction(ctx, "dispatch submit", c.surface.DispatchSubmit):
			method = "form"
		default:
			method = "none"
			log.Warn("no submit affordance responded; polling anyway")
		}
	}

	c.setState(ctx, StateSubmitted)
	c.emit(ctx, "ask_submitted", askID, method)
	c.traceLog(askID, "submitted", map[string]interface{}{"method": method})
	log.Info("prompt submitted", "method", method, "chars", textLen(text))
	return nil
}

// tryAction runs a best-effort page action and reports whether it took effect.
func (c *Controller) tryAction(ctx context.Context, name string, action func(context.Context) (bool, error)) bool {
	ok, err := action(ctx)
	if err != nil {
		pslog.Ctx(ctx).Debug(name+" failed", "err", err)
		return false
	}
	return ok
}

func outcomeOf(answer Answer, err error) string {
	var remote *RemoteTaskError
	switch {
	case err == nil && answer.Partial:
		return "partial"
	case err == nil:
		return "answered"
	case errors.Is(err, ErrNoActivity):
		return "no_activity"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &remote):
		return "remote_error"
	default:
		return "error"
	}
}

func (c *Controller) emit(ctx context.Context, predicate string, args ...interface{}) {
	if c.engine == nil {
		return
	}
	fact := mangle.Fact{Predicate: predicate, Args: args, Timestamp: c.clock.Now()}
	if err := c.engine.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
		pslog.Ctx(ctx).Debug("journal rejected fact", "predicate", predicate, "err", err)
	}
}

func (c *Controller) startTrace(ctx context.Context, askID, text string, opts AskOptions) {
	if c.trace == nil {
		return
	}
	if err := c.trace.Start(askID); err != nil {
		pslog.Ctx(ctx).Warn("trace start failed", "err", err)
		return
	}
	c.trace.Log("ask_started", askID, map[string]interface{}{
		"prompt":   text,
		"new_chat": opts.NewChat,
		"timeout":  opts.Timeout.String(),
	})
}

func (c *Controller) traceLog(askID, eventType string, data interface{}) {
	if c.trace != nil {
		c.trace.Log(eventType, askID, data)
	}
}

func (c *Controller) finishTrace(ctx context.Context, askID, outcome string, answer Answer, err error) {
	if c.trace == nil {
		return
	}
	data := map[string]interface{}{
		"outcome": outcome,
		"polls":   answer.Polls,
		"retries": answer.Retries,
		"chars":   textLen(answer.Text),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	c.trace.Log("ask_finished", askID, data)
	if err := c.trace.Close(); err != nil {
		pslog.Ctx(ctx).Debug("trace close failed", "err", err)
	}
}
