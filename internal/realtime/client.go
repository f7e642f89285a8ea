package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type ClientOptions struct {
	// URL is the ws:// or wss:// socket endpoint.
	URL    string
	Header http.Header

	OnStatus  func(StatusUpdate)
	OnEvent   func(event string, data json.RawMessage)
	OnConnect func()

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Client keeps a socket to the server open and remembers which call it is
// watching, so a reconnect resumes the subscription.
type Client struct {
	url      string
	header   http.Header
	dialer   *websocket.Dialer
	onStatus func(StatusUpdate)
	onEvent  func(string, json.RawMessage)
	onConn   func()
	minWait  time.Duration
	maxWait  time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	wmu    sync.Mutex
	conn   *websocket.Conn
	callID string
}

func NewClient(opts ClientOptions) *Client {
	c := &Client{
		url:      opts.URL,
		header:   opts.Header,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		onStatus: opts.OnStatus,
		onEvent:  opts.OnEvent,
		onConn:   opts.OnConnect,
		minWait:  opts.MinBackoff,
		maxWait:  opts.MaxBackoff,
		log:      opts.Logger,
	}
	if c.minWait <= 0 {
		c.minWait = 500 * time.Millisecond
	}
	if c.maxWait < c.minWait {
		c.maxWait = 30 * time.Second
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Run connects and reconnects with doubling backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if c.url == "" {
		return errors.New("realtime: socket url is required")
	}
	backoff := c.minWait

	for {
		ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("socket dial failed", "url", c.url, "retry_in", backoff.String(), "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxWait {
				backoff = c.maxWait
			}
			continue
		}
		backoff = c.minWait

		c.attach(ws)
		stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
		c.readLoop(ws)
		stop()
		c.detach(ws)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("socket lost, reconnecting", "url", c.url)
	}
}

func (c *Client) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	callID := c.callID
	c.mu.Unlock()

	c.log.Info("socket connected", "url", c.url)
	if callID != "" {
		if err := c.send(ws, EventRegisterCall, callID); err != nil {
			c.log.Warn("socket re-register failed", "call_sid", callID, "err", err)
		}
	}
	if c.onConn != nil {
		c.onConn()
	}
}

func (c *Client) detach(ws *websocket.Conn) {
	c.mu.Lock()
	if c.conn == ws {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = ws.Close()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Register subscribes to a call's status updates. The call is remembered and
// registered again after every reconnect.
func (c *Client) Register(callID string) error {
	c.mu.Lock()
	c.callID = callID
	ws := c.conn
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	return c.send(ws, EventRegisterCall, callID)
}

// Unregister forgets the watched call.
func (c *Client) Unregister() error {
	c.mu.Lock()
	callID := c.callID
	c.callID = ""
	ws := c.conn
	c.mu.Unlock()

	if ws == nil || callID == "" {
		return nil
	}
	return c.send(ws, EventUnregisterCall, callID)
}

func (c *Client) send(ws *websocket.Conn, event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.log.Debug("socket read ended", "err", err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Debug("socket frame ignored", "err", err)
			continue
		}

		if f.Event == EventCallStatusUpdate && c.onStatus != nil {
			var u StatusUpdate
			if err := json.Unmarshal(f.Data, &u); err != nil {
				c.log.Debug("status update ignored", "err", err)
				continue
			}
			c.onStatus(u)
			continue
		}
		if c.onEvent != nil {
			c.onEvent(f.Event, f.Data)
		}
	}
}
