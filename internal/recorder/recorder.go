// Package recorder writes one JSONL trace file per ask.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultKeep = 20
	TraceDir    = "traces"
	filePrefix  = "ask_"
)

// Event is a single trace line.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	AskID     string      `json:"ask_id,omitempty"`
	Data      interface{} `json:"data"`
}

// Recorder manages rotating ask traces.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
	keep     int
	now      func() time.Time
}

// NewRecorder creates a recorder keeping the newest keep traces in basePath.
// It ensures the directory exists.
func NewRecorder(basePath string, keep int) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if keep <= 0 {
		keep = DefaultKeep
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath, keep: keep, now: time.Now}, nil
}

// Dir returns the trace directory.
func (r *Recorder) Dir() string { return r.basePath }

// Start begins the trace for askID, closing any trace still open and
// rotating old files so only the newest traces remain.
func (r *Recorder) Start(askID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.encoder = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("%s%d_%s.jsonl", filePrefix, r.now().UnixMilli(), askID)
	f, err := os.Create(filepath.Join(r.basePath, name))
	if err != nil {
		return err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Log writes an event to the current trace. It is a no-op between traces.
func (r *Recorder) Log(eventType, askID string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{
		Timestamp: r.now(),
		Type:      eventType,
		AskID:     askID,
		Data:      data,
	})
}

// Traces lists trace files, newest first.
func (r *Recorder) Traces() ([]string, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		names = append(names, e.Name())
	}
	// Names embed the start time in milliseconds, so they sort chronologically.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// rotate deletes old traces, leaving room for one more.
func (r *Recorder) rotate() error {
	names, err := r.Traces()
	if err != nil {
		return err
	}
	if len(names) < r.keep {
		return nil
	}
	for _, name := range names[r.keep-1:] {
		_ = os.Remove(filepath.Join(r.basePath, name))
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}
