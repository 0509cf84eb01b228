package cdp

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConnected is returned when a call is made without an open connection.
	ErrNotConnected = errors.New("cdp: not connected")
	// ErrHandshakeRejected marks a handshake the browser refused, typically
	// because it was started without --remote-allow-origins.
	ErrHandshakeRejected = errors.New("cdp: handshake rejected by browser")

	errConnectionLost = errors.New("connection closed while waiting for response")
)

// ConnectionError reports a failure to establish or keep the websocket.
type ConnectionError struct {
	Endpoint string
	Status   int
	Rejected bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("cdp connection to %s failed (HTTP %d): %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("cdp connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool {
	return target == ErrHandshakeRejected && e.Rejected
}

// RequestTimeoutError is returned when no response (or event) arrived in time.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
	Event   bool
}

func (e *RequestTimeoutError) Error() string {
	if e.Event {
		return fmt.Sprintf("cdp: timed out after %s waiting for event %s", e.Timeout, e.Method)
	}
	return fmt.Sprintf("cdp: %s timed out after %s", e.Method, e.Timeout)
}

// RemoteError carries the error object of a response.
type RemoteError struct {
	Method  string
	Code    int
	Message string
	Data    string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("cdp: %s failed: %s", e.Method, e.Message)
	if e.Data != "" {
		msg += " (" + e.Data + ")"
	}
	return msg
}

func isRejection(status int, detail string) bool {
	if status == 403 {
		return true
	}
	lower := strings.ToLower(detail)
	return strings.Contains(lower, "remote-allow-origins") ||
		strings.Contains(lower, "rejected an incoming websocket connection") ||
		strings.Contains(lower, "403 forbidden")
}
