// Package cdp is a minimal Chrome DevTools Protocol client: one websocket,
// concurrent request/response correlation and a shared event queue.
package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gorilla/websocket"
)

const (
	// DefaultConnectTimeout bounds the websocket handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultCallTimeout is used when Call receives a non-positive timeout.
	DefaultCallTimeout = 10 * time.Second
	// DefaultRecheckInterval bounds how long WaitForEvent sleeps between queue scans.
	DefaultRecheckInterval = 500 * time.Millisecond
)

// Event is an unsolicited notification pushed by the browser.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type request struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type remoteErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

type inbound struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *remoteErr      `json:"error,omitempty"`
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer (proxy, TLS or buffer settings).
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithEventLimit caps the event queue; the oldest event is dropped on overflow.
// Zero keeps the queue unbounded.
func WithEventLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventLimit = n
		}
	}
}

// WithRecheckInterval sets the bounded re-check interval of WaitForEvent.
func WithRecheckInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.recheck = d
		}
	}
}

// Client owns one websocket connection to a page target. Call, Send and
// WaitForEvent are safe for concurrent use.
type Client struct {
	dialer     *websocket.Dialer
	eventLimit int
	recheck    time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint string
	done     chan struct{}
	nextID   int64
	pending  map[int64]chan inbound
	events   []Event
	signal   chan struct{}

	writeMu sync.Mutex
}

// NewClient returns a disconnected client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		recheck: DefaultRecheckInterval,
		pending: make(map[int64]chan inbound),
		signal:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect closes any previous connection, dials endpoint and starts the
// receive loop.
func (c *Client) Connect(ctx context.Context, endpoint string, timeout time.Duration) error {
	_ = c.Close()

	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := *c.dialer
	dialer.HandshakeTimeout = timeout
	conn, resp, err := dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		return handshakeError(endpoint, resp, err)
	}
	// Page snapshots returned by Runtime.evaluate can be large.
	conn.SetReadLimit(64 << 20)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.endpoint = endpoint
	c.done = done
	c.pending = make(map[int64]chan inbound)
	c.events = nil
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

func handshakeError(endpoint string, resp *http.Response, err error) error {
	cerr := &ConnectionError{Endpoint: endpoint, Err: err}
	detail := err.Error()
	if resp != nil {
		cerr.Status = resp.StatusCode
		if resp.Body != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			if text := string(bytes.TrimSpace(body)); text != "" {
				detail += ": " + text
				cerr.Err = fmt.Errorf("%w: %s", err, text)
			}
		}
	}
	cerr.Rejected = isRejection(cerr.Status, detail)
	return cerr
}

// Connected reports whether the receive loop is running.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Endpoint returns the websocket URL of the current (or last) connection.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Close tears down the connection. It is idempotent and never fails.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()
	return nil
}

// Send issues a typed go-rod proto request and returns the raw result.
func (c *Client) Send(ctx context.Context, req proto.Request, timeout time.Duration) (json.RawMessage, error) {
	return c.Call(ctx, req.ProtoReq(), req, timeout)
}

// Call sends method with params and waits for the correlated response.
// Nil params are omitted from the frame.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", method, ErrNotConnected)
	}
	conn, done, endpoint := c.conn, c.done, c.endpoint
	c.nextID++
	id := c.nextID
	ch := make(chan inbound, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, &ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("write %s: %w", method, err)}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-ch:
		return settle(method, msg)
	case <-timer.C:
		c.forget(id)
		return nil, &RequestTimeoutError{Method: method, Timeout: timeout}
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	case <-done:
		select {
		case msg := <-ch:
			return settle(method, msg)
		default:
		}
		c.forget(id)
		return nil, &ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("%s: %w", method, errConnectionLost)}
	}
}

func settle(method string, msg inbound) (json.RawMessage, error) {
	if msg.Error != nil {
		return nil, &RemoteError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}
	}
	if len(msg.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return msg.Result, nil
}

// forget drops an abandoned pending entry so late responses are discarded.
func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForEvent consumes queued events until one named method arrives.
// Non-matching events taken off the queue are discarded.
func (c *Client) WaitForEvent(ctx context.Context, method string, timeout time.Duration) (Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		for len(c.events) > 0 {
			evt := c.events[0]
			c.events[0] = Event{}
			c.events = c.events[1:]
			if evt.Method == method {
				c.mu.Unlock()
				return evt, nil
			}
		}
		signal := c.signal
		c.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, &RequestTimeoutError{Method: method, Timeout: timeout, Event: true}
		}
		timer := time.NewTimer(min(remaining, c.recheck))
		select {
		case <-signal:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Event{}, fmt.Errorf("waiting for %s: %w", method, ctx.Err())
		}
		timer.Stop()
	}
}

// DrainEvents discards every queued event and returns how many were dropped.
func (c *Client) DrainEvents() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.events)
	c.events = nil
	return n
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer c.loopExited(conn, done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.dispatch(raw)
	}
}

func (c *Client) loopExited(conn *websocket.Conn, done chan struct{}) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
	close(done)
}

func (c *Client) dispatch(raw []byte) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return
	}
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch {
	case msg.ID != nil:
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	case msg.Method != "":
		c.enqueue(Event{Method: msg.Method, Params: msg.Params, SessionID: msg.SessionID})
	}
}

func (c *Client) enqueue(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	if c.eventLimit > 0 && len(c.events) > c.eventLimit {
		c.events = c.events[len(c.events)-c.eventLimit:]
	}
	close(c.signal)
	c.signal = make(chan struct{})
	c.mu.Unlock()
}
