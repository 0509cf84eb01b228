package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Status is the coarse state of the remote agent.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusWorking   Status = "working"
	StatusCompleted Status = "completed"
)

const (
	maxSteps          = 5
	maxResponseLength = 8000
)

// Record is the raw introspection result returned by the status script.
type Record struct {
	Status         string
	Steps          []string
	CurrentStep    string
	Response       string
	HasStopButton  bool
	HasLoading     bool
	HasFollowup    bool
	ErrorType      string
	ErrorText      string
	HasRetryButton bool
}

// ParseRecord decodes a status script result. Anything that is not a JSON
// object yields nil, which callers treat as "no signal yet".
func ParseRecord(raw json.RawMessage) *Record {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil
	}
	rec := &Record{
		Status:         stringField(fields["status"]),
		CurrentStep:    stringField(fields["currentStep"]),
		Response:       stringField(fields["response"]),
		HasStopButton:  truthy(fields["hasStopButton"]),
		HasLoading:     truthy(fields["hasLoading"]),
		HasFollowup:    truthy(fields["hasFollowup"]),
		ErrorType:      stringField(fields["errorType"]),
		ErrorText:      stringField(fields["errorText"]),
		HasRetryButton: truthy(fields["hasRetryButton"]),
	}
	if steps, ok := fields["steps"].([]interface{}); ok {
		for _, step := range steps {
			rec.Steps = append(rec.Steps, stringField(step))
		}
	}
	return rec
}

func stringField(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}

func truthy(v interface{}) bool {
	switch value := v.(type) {
	case bool:
		return value
	case float64:
		return value != 0
	case string:
		return value != ""
	default:
		return false
	}
}

// AgentStatus is an immutable snapshot of one poll.
type AgentStatus struct {
	Status                Status   `json:"status"`
	Steps                 []string `json:"steps"`
	CurrentStep           string   `json:"current_step"`
	Response              string   `json:"response"`
	HasStopControl        bool     `json:"has_stop_control"`
	HasLoadingIndicator   bool     `json:"has_loading_indicator"`
	HasFollowupAffordance bool     `json:"has_followup_affordance"`
	ErrorKind             string   `json:"error_kind,omitempty"`
	ErrorMessage          string   `json:"error_message,omitempty"`
	HasRetryAffordance    bool     `json:"has_retry_affordance"`
	IsStable              bool     `json:"is_stable"`
}

// Working reports whether a stop control or loading indicator is showing.
func (s AgentStatus) Working() bool {
	return s.HasStopControl || s.HasLoadingIndicator
}

// StabilityTracker counts how many consecutive polls returned the same
// non-trivial response text.
type StabilityTracker struct {
	threshold int
	minLength int
	last      string
	count     int
}

func NewStabilityTracker(threshold, minLength int) *StabilityTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &StabilityTracker{threshold: threshold, minLength: minLength}
}

// Reset forgets the tracked text.
func (t *StabilityTracker) Reset() {
	t.last = ""
	t.count = 0
}

// Count returns the length of the current run of identical observations.
func (t *StabilityTracker) Count() int { return t.count }

// Update records one observation and reports whether the text is stable.
// Texts at or below the minimum length are ignored and never stable.
func (t *StabilityTracker) Update(text string) bool {
	if textLen(text) <= t.minLength {
		return false
	}
	if text == t.last {
		t.count++
	} else {
		t.last = text
		t.count = 1
	}
	return t.count >= t.threshold
}

// Observe derives an AgentStatus from rec, feeding its response to the tracker.
func (t *StabilityTracker) Observe(rec *Record) AgentStatus {
	if rec == nil {
		rec = &Record{}
	}
	response := strings.TrimSpace(rec.Response)
	stable := t.Update(response)

	status := Status(rec.Status)
	switch status {
	case StatusIdle, StatusWorking, StatusCompleted:
	default:
		status = StatusWorking
	}
	if stable && response != "" && !rec.HasStopButton {
		status = StatusCompleted
	}

	steps := rec.Steps
	if len(steps) > maxSteps {
		steps = steps[len(steps)-maxSteps:]
	}

	return AgentStatus{
		Status:                status,
		Steps:                 append([]string(nil), steps...),
		CurrentStep:           rec.CurrentStep,
		Response:              truncate(response, maxResponseLength),
		HasStopControl:        rec.HasStopButton,
		HasLoadingIndicator:   rec.HasLoading,
		HasFollowupAffordance: rec.HasFollowup,
		ErrorKind:             rec.ErrorType,
		ErrorMessage:          rec.ErrorText,
		HasRetryAffordance:    rec.HasRetryButton,
		IsStable:              stable,
	}
}

func textLen(s string) int { return utf8.RuneCountInString(s) }

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if textLen(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
