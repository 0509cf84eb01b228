package browser

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// fakeDevTools imitates the HTTP and websocket surface of a debuggable browser.
type fakeDevTools struct {
	t   *testing.T
	srv *httptest.Server

	mu          sync.Mutex
	down        bool
	targets     []Target
	opened      []string
	newTabVerbs []string
	rejectWS    int
	loadEvents  bool
	methods     []string
	evaluations map[string]interface{}
	dropPings   bool
	getOnly     bool
}

func newFakeDevTools(t *testing.T) *fakeDevTools {
	t.Helper()
	f := &fakeDevTools{t: t, loadEvents: true, evaluations: map[string]interface{}{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", f.handleVersion)
	mux.HandleFunc("/json/list", f.handleList)
	mux.HandleFunc("/json/new", f.handleNew)
	mux.HandleFunc("/devtools/page/", f.handlePage)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDevTools) wsURL(id string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/page/" + id
}

func (f *fakeDevTools) addPage(id, pageURL string) {
	f.addTarget(Target{ID: id, Type: "page", URL: pageURL, WebSocketDebuggerURL: f.wsURL(id)})
}

func (f *fakeDevTools) addTarget(t Target) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, t)
}

func (f *fakeDevTools) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeDevTools) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *fakeDevTools) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.methods...)
}

func (f *fakeDevTools) handleVersion(w http.ResponseWriter, r *http.Request) {
	if f.isDown() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	_ = json.NewEncoder(w).Encode(VersionInfo{Browser: "Comet/138.0", ProtocolVersion: "1.3"})
}

func (f *fakeDevTools) handleList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	targets := append([]Target(nil), f.targets...)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(targets)
}

func (f *fakeDevTools) handleNew(w http.ResponseWriter, r *http.Request) {
	raw, _ := url.QueryUnescape(r.URL.RawQuery)
	f.mu.Lock()
	f.newTabVerbs = append(f.newTabVerbs, r.Method)
	allowed := http.MethodPut
	if f.getOnly {
		allowed = http.MethodGet
	}
	if r.Method != allowed {
		f.mu.Unlock()
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := "NEW" + string(rune('A'+len(f.opened)))
	f.opened = append(f.opened, raw)
	target := Target{ID: id, Type: "page", URL: raw, WebSocketDebuggerURL: f.wsURL(id)}
	f.targets = append(f.targets, target)
	f.mu.Unlock()
	_ = json.NewEncoder(w).Encode(target)
}

func (f *fakeDevTools) handlePage(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	if f.rejectWS > 0 {
		f.rejectWS--
		f.mu.Unlock()
		http.Error(w, "Rejected an incoming WebSocket connection from the http://localhost origin.", http.StatusForbidden)
		return
	}
	f.mu.Unlock()

	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	var writeMu sync.Mutex
	write := func(v interface{}) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteJSON(v)
	}

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		f.mu.Lock()
		f.methods = append(f.methods, req.Method)
		loadEvents := f.loadEvents
		dropPings := f.dropPings
		f.mu.Unlock()

		switch req.Method {
		case "Runtime.evaluate":
			var params struct {
				Expression string `json:"expression"`
			}
			_ = json.Unmarshal(req.Params, &params)
			if params.Expression == "1+1" && dropPings {
				continue
			}
			write(map[string]interface{}{"id": req.ID, "result": f.evaluate(params.Expression)})
		case "Page.navigate":
			write(map[string]interface{}{"id": req.ID, "result": map[string]interface{}{"frameId": "F1"}})
			if loadEvents {
				write(map[string]interface{}{"method": "Page.frameStoppedLoading", "params": map[string]interface{}{}})
				write(map[string]interface{}{"method": "Page.loadEventFired", "params": map[string]interface{}{"timestamp": 1}})
			}
		default:
			write(map[string]interface{}{"id": req.ID, "result": map[string]interface{}{}})
		}
	}
}

func (f *fakeDevTools) evaluate(expression string) map[string]interface{} {
	if expression == "1+1" {
		return map[string]interface{}{"result": map[string]interface{}{"type": "number", "value": 2}}
	}
	if strings.Contains(expression, "throw") {
		return map[string]interface{}{
			"result": map[string]interface{}{"type": "object", "subtype": "error"},
			"exceptionDetails": map[string]interface{}{
				"text":      "Uncaught",
				"exception": map[string]interface{}{"description": "Error: boom"},
			},
		}
	}
	f.mu.Lock()
	value, ok := f.evaluations[expression]
	f.mu.Unlock()
	if !ok {
		return map[string]interface{}{"result": map[string]interface{}{"type": "undefined"}}
	}
	return map[string]interface{}{"result": map[string]interface{}{"type": "object", "value": value}}
}

type fakeLauncher struct {
	mu      sync.Mutex
	devtool *fakeDevTools
	starts  []string
	kills   []string
}

func (l *fakeLauncher) Start(_ context.Context, exe string, port int) error {
	l.mu.Lock()
	l.starts = append(l.starts, exe)
	l.mu.Unlock()
	if l.devtool != nil {
		l.devtool.setDown(false)
	}
	return nil
}

func (l *fakeLauncher) Kill(_ context.Context, exe string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kills = append(l.kills, exe)
	return nil
}

func (l *fakeLauncher) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.starts), len(l.kills)
}
