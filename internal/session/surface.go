package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Evaluator runs a script in the attached page and returns its JSON value.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, timeout time.Duration) (json.RawMessage, error)
}

// TypeResult reports whether an input was found and whether it accepted text.
type TypeResult struct {
	Found bool `json:"found"`
	OK    bool `json:"ok"`
}

// Surface is everything the controller needs to know about, or do to, the
// chat page. The controller never touches the DOM directly.
type Surface interface {
	Status(ctx context.Context) (*Record, error)
	Location(ctx context.Context) (string, error)
	InputState(ctx context.Context) (InputState, error)
	ClearInput(ctx context.Context) error
	TypeText(ctx context.Context, text string) (TypeResult, error)
	PressEnter(ctx context.Context) (bool, error)
	Submitted(ctx context.Context) (bool, error)
	ClickSubmit(ctx context.Context) (bool, error)
	DispatchSubmit(ctx context.Context) (bool, error)
	ClickRetry(ctx context.Context) (bool, error)
	Resubmit(ctx context.Context) (bool, error)
}

// PageSurface implements Surface with scripts tuned for the Perplexity UI.
type PageSurface struct {
	eval    Evaluator
	timeout time.Duration
}

// NewPageSurface returns a Surface evaluating scripts through eval.
// A zero timeout lets the evaluator apply its own default.
func NewPageSurface(eval Evaluator, timeout time.Duration) *PageSurface {
	return &PageSurface{eval: eval, timeout: timeout}
}

func (p *PageSurface) Status(ctx context.Context) (*Record, error) {
	raw, err := p.eval.Evaluate(ctx, statusScript, p.timeout)
	if err != nil {
		return nil, err
	}
	return ParseRecord(raw), nil
}

func (p *PageSurface) Location(ctx context.Context) (string, error) {
	var href string
	if err := p.run(ctx, locationScript, &href); err != nil {
		return "", err
	}
	return href, nil
}

func (p *PageSurface) InputState(ctx context.Context) (InputState, error) {
	var state InputState
	err := p.run(ctx, inputStateScript, &state)
	return state, err
}

func (p *PageSurface) ClearInput(ctx context.Context) error {
	_, err := p.flag(ctx, clearInputScript)
	return err
}

func (p *PageSurface) TypeText(ctx context.Context, text string) (TypeResult, error) {
	encoded, err := json.Marshal(text)
	if err != nil {
		return TypeResult{}, err
	}
	var res TypeResult
	err = p.run(ctx, fmt.Sprintf(typeTextScript, encoded), &res)
	return res, err
}

func (p *PageSurface) PressEnter(ctx context.Context) (bool, error) {
	return p.flag(ctx, pressEnterScript)
}

func (p *PageSurface) Submitted(ctx context.Context) (bool, error) {
	return p.flag(ctx, submittedScript)
}

func (p *PageSurface) ClickSubmit(ctx context.Context) (bool, error) {
	return p.flag(ctx, clickSubmitScript)
}

func (p *PageSurface) DispatchSubmit(ctx context.Context) (bool, error) {
	return p.flag(ctx, dispatchSubmitScript)
}

func (p *PageSurface) ClickRetry(ctx context.Context) (bool, error) {
	return p.flag(ctx, clickRetryScript)
}

func (p *PageSurface) Resubmit(ctx context.Context) (bool, error) {
	return p.flag(ctx, resubmitScript)
}

func (p *PageSurface) run(ctx context.Context, script string, out interface{}) error {
	raw, err := p.eval.Evaluate(ctx, script, p.timeout)
	if err != nil {
		return err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode page script result: %w", err)
	}
	return nil
}

// flag evaluates a script expected to return a boolean. Non-boolean results
// count as false.
func (p *PageSurface) flag(ctx context.Context, script string) (bool, error) {
	raw, err := p.eval.Evaluate(ctx, script, p.timeout)
	if err != nil {
		return false, err
	}
	var ok bool
	if json.Unmarshal(raw, &ok) != nil {
		return false, nil
	}
	return ok, nil
}
