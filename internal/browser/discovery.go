package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Target is one entry of the DevTools /json/list endpoint.
type Target struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// VersionInfo is the payload of /json/version.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var internalPrefixes = []string{
	"chrome://",
	"edge://",
	"devtools://",
	"about:",
	"chrome-extension://",
}

// IsInternal reports whether the target shows a browser-internal page.
func (t Target) IsInternal() bool {
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(t.URL, prefix) {
			return true
		}
	}
	return false
}

// Discovery talks to the DevTools HTTP endpoints of a local browser.
type Discovery struct {
	base   string
	client *http.Client
}

// NewDiscovery returns a Discovery for baseURL (e.g., http://127.0.0.1:9223).
func NewDiscovery(baseURL string) *Discovery {
	return &Discovery{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// BaseURL returns the HTTP endpoint this Discovery targets.
func (d *Discovery) BaseURL() string { return d.base }

// Version fetches /json/version. It doubles as the reachability probe.
func (d *Discovery) Version(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	err := d.do(ctx, http.MethodGet, "/json/version", &info)
	return info, err
}

// Reachable reports whether the debug endpoint answers within 1.5s.
func (d *Discovery) Reachable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	_, err := d.Version(probeCtx)
	return err == nil
}

// Targets lists every target the browser exposes.
func (d *Discovery) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := d.do(ctx, http.MethodGet, "/json/list", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Pages filters targets down to non-internal pages.
func Pages(targets []Target) []Target {
	pages := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Type == "page" && !t.IsInternal() {
			pages = append(pages, t)
		}
	}
	return pages
}

// NewTab opens a tab on rawURL. Newer browsers require PUT; older ones only accept GET.
func (d *Discovery) NewTab(ctx context.Context, rawURL string) (Target, error) {
	path := "/json/new?" + strings.ReplaceAll(url.QueryEscape(rawURL), "+", "%20")
	var target Target
	err := d.do(ctx, http.MethodPut, path, &target)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusMethodNotAllowed {
		err = d.do(ctx, http.MethodGet, path, &target)
	}
	if err != nil {
		return Target{}, fmt.Errorf("open tab on %s: %w", rawURL, err)
	}
	return target, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("devtools endpoint returned HTTP %d: %s", e.code, e.body)
}

func (d *Discovery) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, d.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
