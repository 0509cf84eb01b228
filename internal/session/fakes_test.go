package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"comet-auto/internal/config"
	"comet-auto/internal/mangle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type fakeBrowser struct {
	mu          sync.Mutex
	connectErr  error
	navigated   []string
	freshTabs   []string
	freshTabErr error
	onFreshTab  func()
}

func (b *fakeBrowser) EnsureConnected(ctx context.Context) error { return b.connectErr }

func (b *fakeBrowser) Navigate(ctx context.Context, url string, waitForLoad bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.navigated = append(b.navigated, url)
	return nil
}

func (b *fakeBrowser) OpenFreshTab(ctx context.Context, url string) error {
	b.mu.Lock()
	b.freshTabs = append(b.freshTabs, url)
	hook := b.onFreshTab
	b.mu.Unlock()
	if b.freshTabErr != nil {
		return b.freshTabErr
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (b *fakeBrowser) Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error) {
	return json.RawMessage("null"), nil
}

// step is one scripted status observation.
type step struct {
	rec *Record
	err error
}

// fakeSurface replays scripted status observations. Before the prompt is
// typed it reports the baseline record; afterwards it walks script and then
// keeps repeating the last step.
type fakeSurface struct {
	mu sync.Mutex

	baseline *Record
	script   []step
	next     int

	location    string
	input       InputState
	typeResult  TypeResult
	typeErr     error
	typed       []string
	submitted   bool
	clickSubmit bool
	dispatch    bool
	retryOK     bool

	calls map[string]int
}

func newFakeSurface(script ...step) *fakeSurface {
	return &fakeSurface{
		script:     script,
		location:   "https://www.perplexity.ai/",
		input:      InputState{URL: "https://www.perplexity.ai/", Ready: "complete", Sel: "textarea", Visible: true},
		typeResult: TypeResult{Found: true, OK: true},
		submitted:  true,
		retryOK:    true,
		calls:      make(map[string]int),
	}
}

func (f *fakeSurface) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSurface) hit(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeSurface) Status(ctx context.Context) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["status"]++
	if len(f.typed) == 0 {
		return f.baseline, nil
	}
	if len(f.script) == 0 {
		return nil, nil
	}
	s := f.script[f.next]
	if f.next < len(f.script)-1 {
		f.next++
	}
	return s.rec, s.err
}

func (f *fakeSurface) Location(ctx context.Context) (string, error) {
	f.hit("location")
	return f.location, nil
}

func (f *fakeSurface) InputState(ctx context.Context) (InputState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["input_state"]++
	return f.input, nil
}

func (f *fakeSurface) ClearInput(ctx context.Context) error {
	f.hit("clear")
	return nil
}

func (f *fakeSurface) TypeText(ctx context.Context, text string) (TypeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["type"]++
	if f.typeErr != nil || !f.typeResult.Found {
		return f.typeResult, f.typeErr
	}
	f.typed = append(f.typed, text)
	return f.typeResult, nil
}

func (f *fakeSurface) PressEnter(ctx context.Context) (bool, error) {
	f.hit("enter")
	return true, nil
}

func (f *fakeSurface) Submitted(ctx context.Context) (bool, error) {
	f.hit("submitted")
	return f.submitted, nil
}

func (f *fakeSurface) ClickSubmit(ctx context.Context) (bool, error) {
	f.hit("click_submit")
	return f.clickSubmit, nil
}

func (f *fakeSurface) DispatchSubmit(ctx context.Context) (bool, error) {
	f.hit("dispatch")
	return f.dispatch, nil
}

func (f *fakeSurface) ClickRetry(ctx context.Context) (bool, error) {
	f.hit("retry")
	return f.retryOK, nil
}

func (f *fakeSurface) Resubmit(ctx context.Context) (bool, error) {
	f.hit("resubmit")
	return true, nil
}

type factSink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (s *factSink) AddFacts(ctx context.Context, facts []mangle.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *factSink) byPredicate(predicate string) []mangle.Fact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mangle.Fact
	for _, f := range s.facts {
		if f.Predicate == predicate {
			out = append(out, f)
		}
	}
	return out
}

type harness struct {
	ctrl    *Controller
	surface *fakeSurface
	browser *fakeBrowser
	clock   *fakeClock
	facts   *factSink
}

func newHarness(t *testing.T, surface *fakeSurface, opts ...Option) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	h := &harness{
		surface: surface,
		browser: &fakeBrowser{},
		clock:   newFakeClock(),
		facts:   &factSink{},
	}
	opts = append([]Option{WithSurface(surface), WithClock(h.clock), WithEngineSink(h.facts)}, opts...)
	h.ctrl = NewController(h.browser, cfg.App, cfg.Polling, opts...)
	return h
}

// Record helpers.

func working() *Record {
	return &Record{Status: "working", HasStopButton: true, HasLoading: true}
}

func idleWith(response string) *Record {
	return &Record{Status: "idle", Response: response, HasFollowup: true}
}

func completedWith(response string) *Record {
	return &Record{Status: "completed", Response: response, HasFollowup: true}
}

func failing(kind, text string, retry bool) *Record {
	return &Record{Status: "idle", ErrorType: kind, ErrorText: text, HasRetryButton: retry}
}

func ok(rec *Record) step { return step{rec: rec} }

func longAnswer(tag string) string {
	return tag + ": " + strings.Repeat("the quick brown fox jumps over the lazy dog ", 5)
}
