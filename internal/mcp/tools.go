package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"comet-auto/internal/mangle"
	"comet-auto/internal/session"
)

type AskTool struct {
	session        Session
	defaultTimeout time.Duration
}

func (t *AskTool) Name() string { return "ask" }
func (t *AskTool) Description() string {
	return `Send a prompt to the Comet assistant and wait for the complete answer.

The prompt is rewritten into a browsing task ("Use your browser to ...") before
it is typed. The call blocks until the answer is final or timeout_s elapses.
Only one ask runs at a time.

Returns: {ask_id, response, completed, elapsed_s, polls, retries, resubmitted}.
completed=false means the deadline hit and response holds the partial text.`
}
func (t *AskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "What to ask",
			},
			"new_chat": map[string]interface{}{
				"type":        "boolean",
				"description": "Start from a fresh conversation (default: false)",
			},
			"timeout_s": map[string]interface{}{
				"type":        "number",
				"description": "Seconds to wait for the answer (default: 120)",
			},
		},
		"required": []string{"prompt"},
	}
}
func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	prompt := strings.TrimSpace(getStringArg(args, "prompt"))
	if prompt == "" {
		return nil, session.ErrEmptyPrompt
	}
	opts := session.AskOptions{
		NewChat: getBoolArg(args, "new_chat", false),
		Timeout: secondsArg(args, "timeout_s", t.defaultTimeout),
	}

	answer, err := t.session.Ask(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ask_id":      answer.AskID,
		"response":    answer.Text,
		"completed":   !answer.Partial,
		"elapsed_s":   roundSeconds(answer.Elapsed),
		"polls":       answer.Polls,
		"retries":     answer.Retries,
		"resubmitted": answer.Resubmitted,
	}, nil
}

type ConnectTool struct {
	session Session
}

func (t *ConnectTool) Name() string { return "connect" }
func (t *ConnectTool) Description() string {
	return `Make sure the browser is running with remote debugging and attach to the best tab.

Launches or restarts the browser when needed. ask does this on its own; use
connect to warm up or to recover after the browser was closed.`
}
func (t *ConnectTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ConnectTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if err := t.session.Connect(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "state": t.session.State()}, nil
}

type NavigateTool struct {
	session Session
	appURL  string
}

func (t *NavigateTool) Name() string { return "navigate" }
func (t *NavigateTool) Description() string {
	return `Navigate the attached tab to a URL and wait for the page to load.

Defaults to the assistant home page when url is omitted.`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute URL to open",
			},
		},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	url := strings.TrimSpace(getStringArg(args, "url"))
	if url == "" {
		url = t.appURL
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must start with http:// or https://, got %q", url)
	}
	if err := t.session.Navigate(ctx, url); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "url": url}, nil
}

type StatusTool struct {
	session Session
}

func (t *StatusTool) Name() string { return "status" }
func (t *StatusTool) Description() string {
	return `Report the session state and a snapshot of the assistant page.

While an ask is running only the state is returned, so polling this tool
never waits behind the ask.

Returns: {state, busy, agent?} where agent is the parsed page status
(status, steps, response, error_kind, ...).`
}
func (t *StatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *StatusTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	out := map[string]interface{}{
		"state": t.session.State(),
		"busy":  t.session.Busy(),
	}
	if t.session.Busy() {
		return out, nil
	}
	st, err := t.session.Status(ctx)
	if err != nil {
		return nil, err
	}
	out["agent"] = st
	return out, nil
}

type AskHistoryTool struct {
	engine *mangle.Engine
}

func (t *AskHistoryTool) Name() string { return "ask-history" }
func (t *AskHistoryTool) Description() string {
	return `Read the ask journal.

Without ask_id: the most recent asks with prompt and outcome.
With ask_id: every journal fact recorded for that ask (submission method,
per-poll status, errors seen, retries, outcome).`
}
func (t *AskHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ask_id": map[string]interface{}{
				"type":        "string",
				"description": "Ask id returned by ask",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum entries to return (default: 10, max: 200)",
			},
		},
	}
}
func (t *AskHistoryTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errJournalDisabled
	}
	limit := clampLimit(getIntArg(args, "limit", 10), 10, 200)

	if askID := strings.TrimSpace(getStringArg(args, "ask_id")); askID != "" {
		facts := t.engine.FactsFor(askID)
		if len(facts) == 0 {
			return nil, fmt.Errorf("no journal entries for ask %q", askID)
		}
		return map[string]interface{}{
			"ask_id": askID,
			"count":  len(facts),
			"facts":  lastN(facts, limit),
		}, nil
	}

	asks := summarizeAsks(t.engine)
	if len(asks) > limit {
		asks = asks[len(asks)-limit:]
	}
	return map[string]interface{}{"count": len(asks), "asks": asks}, nil
}

// askSummary joins ask_started and ask_outcome facts for one ask.
type askSummary struct {
	AskID     string      `json:"ask_id"`
	Prompt    string      `json:"prompt"`
	NewChat   bool        `json:"new_chat"`
	StartedAt time.Time   `json:"started_at"`
	Outcome   string      `json:"outcome,omitempty"`
	ElapsedMs interface{} `json:"elapsed_ms,omitempty"`
}

func summarizeAsks(engine *mangle.Engine) []askSummary {
	started := engine.FactsByPredicate("ask_started")
	outcomes := make(map[string]mangle.Fact)
	for _, f := range engine.FactsByPredicate("ask_outcome") {
		if len(f.Args) >= 3 {
			outcomes[fmt.Sprint(f.Args[0])] = f
		}
	}

	out := make([]askSummary, 0, len(started))
	for _, f := range started {
		if len(f.Args) < 3 {
			continue
		}
		s := askSummary{
			AskID:     fmt.Sprint(f.Args[0]),
			Prompt:    fmt.Sprint(f.Args[1]),
			StartedAt: f.Timestamp,
		}
		s.NewChat, _ = f.Args[2].(bool)
		if o, ok := outcomes[s.AskID]; ok {
			s.Outcome = fmt.Sprint(o.Args[1])
			s.ElapsedMs = o.Args[2]
		}
		out = append(out, s)
	}
	return out
}

type AskFactsTool struct {
	engine *mangle.Engine
}

func (t *AskFactsTool) Name() string { return "ask-facts" }
func (t *AskFactsTool) Description() string {
	return `Run a Mangle query against the ask journal.

Base predicates: ask_started(A, Prompt, NewChat, Ms), ask_submitted(A, Method),
ask_poll(A, N, Status, Len, Stable), ask_busy(A, N), ask_error_seen(A, Kind, Msg),
ask_retry(A, N), ask_resubmit(A), ask_outcome(A, Outcome, Ms).
Derived: ask_worked(A), ask_recovered(A), ask_resubmitted(A),
ask_answered(A, Ms), ask_failed(A, Why).

Example: ask_failed(A, Why).`
}
func (t *AskFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "A single atom query, e.g. ask_failed(A, Why).",
			},
		},
		"required": []string{"query"},
	}
}
func (t *AskFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errJournalDisabled
	}
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, errors.New("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"count": len(results), "results": results}, nil
}

type DerivedFactsTool struct {
	engine *mangle.Engine
}

func (t *DerivedFactsTool) Name() string { return "derived-facts" }
func (t *DerivedFactsTool) Description() string {
	return `Evaluate the journal rules and return every fact of one predicate.

Useful for the derived summaries: ask_failed, ask_recovered, ask_answered.`
}
func (t *DerivedFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate name, e.g. ask_failed",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *DerivedFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errJournalDisabled
	}
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	if predicate == "" {
		return nil, errors.New("predicate is required")
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

type SubmitRuleTool struct {
	engine *mangle.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit-rule" }
func (t *SubmitRuleTool) Description() string {
	return `Add Mangle declarations or rules to the ask journal.

New rules see all journal facts, including ones recorded before the rule was
added. Example:
  Decl retried_failure(A).
  retried_failure(A) :- ask_retry(A, _), ask_failed(A, _).`
}
func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source to add",
			},
		},
		"required": []string{"rule"},
	}
}
func (t *SubmitRuleTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, errJournalDisabled
	}
	rule := strings.TrimSpace(getStringArg(args, "rule"))
	if rule == "" {
		return nil, errors.New("rule is required")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}
