package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyPrompt is returned by Ask for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrNoInputFound means no visible chat input appeared, even in a fresh tab.
	ErrNoInputFound = errors.New("no chat input found")
	// ErrInputRejected means the prompt could not be typed into the page.
	ErrInputRejected = errors.New("input rejected: no text entry found")
	// ErrNoActivity means the agent never showed any sign of work before the deadline.
	ErrNoActivity = errors.New("no activity detected: the prompt was probably not submitted")
	// ErrTimeout means the agent worked but never produced a new response in time.
	ErrTimeout = errors.New("timed out waiting for a response")
)

// InputState is what the page reports about its chat input.
type InputState struct {
	URL     string `json:"url"`
	Ready   string `json:"ready"`
	Sel     string `json:"sel"`
	Visible bool   `json:"visible"`
}

// Usable reports whether a visible input was located.
func (s InputState) Usable() bool {
	return s.Visible && s.Sel != ""
}

// NoInputError carries the last input state seen before giving up.
type NoInputError struct {
	Last InputState
	Err  error
}

func (e *NoInputError) Error() string {
	msg := fmt.Sprintf("%v (url=%q ready=%q)", ErrNoInputFound, e.Last.URL, e.Last.Ready)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *NoInputError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNoInputFound}
	}
	return []error{ErrNoInputFound, e.Err}
}

// RemoteTaskError is an error surfaced by the chat application itself that
// could not be recovered with its retry control.
type RemoteTaskError struct {
	Kind    string
	Message string
}

func (e *RemoteTaskError) Error() string {
	if e.Message == "" {
		return "remote task failed: " + e.Kind
	}
	return fmt.Sprintf("remote task failed (%s): %s", e.Kind, e.Message)
}
