package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const eventBuffer = 64

// ErrClosed is returned to every caller still waiting on a response when the
// channel is torn down.
var ErrClosed = errors.New("cdp: channel closed")

// RemoteError is a well-formed response carrying an error payload from the
// browser. It fails the specific call, not the channel.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: remote error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp: remote error %d: %s", e.Code, e.Message)
}

// Event is an unsolicited message on the channel: it has a method but no id.
type Event struct {
	Method string
	Params json.RawMessage
}

// envelope covers both directions of the wire format. Outbound frames carry
// id/method/params; inbound frames are either a response (id + result|error)
// or an event (method + params, no id). Chromium ids start at 1, so a zero id
// means the field was absent.
type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client owns one DevTools WebSocket and correlates responses to concurrent
// callers strictly by id. Responses may arrive in any order relative to
// requests, with events interleaved arbitrarily.
type Client struct {
	conn       *websocket.Conn
	logger     zerolog.Logger
	observer   func(Event)
	onActivity func()

	events chan Event

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callResult
	closed  bool
}

// Option configures a Client at dial time.
type Option func(*Client)

// WithLogger sets the channel logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEventObserver registers a best-effort sink for unsolicited events.
// Events are delivered in arrival order; when the sink falls behind, events
// are dropped rather than blocking pending calls.
func WithEventObserver(fn func(Event)) Option {
	return func(c *Client) { c.observer = fn }
}

// WithActivityHook registers a callback fired on every received response,
// typically wired to the session's last-activity timestamp.
func WithActivityHook(fn func()) Option {
	return func(c *Client) { c.onActivity = fn }
}

// Dial connects to a target's WebSocket debugger endpoint and starts the
// reader loop.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c := &Client{
		conn:    conn,
		logger:  zerolog.Nop(),
		events:  make(chan Event, eventBuffer),
		pending: make(map[int64]chan callResult),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.dispatchEvents()
	go c.readLoop()
	return c, nil
}

// Call sends a command and blocks until the matching response arrives. The
// response's result is returned raw; a remote error payload is returned as a
// *RemoteError. Many calls may be outstanding at once. Context cancellation
// abandons the waiter; channel teardown fails it with ErrClosed.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = data
	}

	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.mu.Unlock()

	frame := envelope{ID: id, Method: method, Params: raw}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s: %w", method, res.err)
		}
		return res.result, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Close tears down the channel. Every still-pending waiter fails with
// ErrClosed; repeated calls are no-ops.
func (c *Client) Close() error {
	pending, already := c.teardown()
	if already {
		return nil
	}
	for _, ch := range pending {
		ch <- callResult{err: ErrClosed}
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			pending, already := c.teardown()
			if !already {
				c.logger.Debug().Err(err).Msg("channel read ended")
				for _, ch := range pending {
					ch <- callResult{err: ErrClosed}
				}
				_ = c.conn.Close()
			}
			close(c.events)
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn().Err(err).Msg("malformed channel message")
			continue
		}

		if env.ID == 0 && env.Method != "" {
			c.logger.Debug().Str("event", env.Method).Msg("channel event")
			select {
			case c.events <- Event{Method: env.Method, Params: env.Params}:
			default:
				c.logger.Debug().Str("event", env.Method).Msg("event sink behind, dropping")
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Response for an abandoned or unknown call.
			c.logger.Debug().Int64("id", env.ID).Msg("unmatched response")
			continue
		}
		if c.onActivity != nil {
			c.onActivity()
		}
		if env.Error != nil {
			ch <- callResult{err: env.Error}
		} else {
			ch <- callResult{result: env.Result}
		}
	}
}

func (c *Client) dispatchEvents() {
	for ev := range c.events {
		if c.observer != nil {
			c.observer(ev)
		}
	}
}

// teardown marks the channel closed and drains the pending table. The caller
// fails the returned waiters; the table is only ever emptied once.
func (c *Client) teardown() (map[int64]chan callResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, true
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan callResult)
	return pending, false
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}
