package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"softphone-bridge/internal/relay"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const welcomeText = "Connected to call status server"

// Subscriptions is the topic registry connections join. *relay.Relay satisfies it.
type Subscriptions interface {
	Subscribe(callID string, s relay.Subscriber)
	Unsubscribe(callID string, s relay.Subscriber)
	UnsubscribeAll(s relay.Subscriber)
}

type HubOptions struct {
	Subscriptions Subscriptions
	Logger        *slog.Logger

	// SendBuffer is the per-connection outbound queue. Full queues drop frames.
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration

	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub serves the browser socket and pushes call status updates to the
// connections that registered for a call.
type Hub struct {
	subs     Subscriptions
	log      *slog.Logger
	upgrader websocket.Upgrader

	sendBuffer   int
	pingInterval time.Duration
	pongWait     time.Duration
	writeWait    time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub(opts HubOptions) *Hub {
	h := &Hub{
		subs:         opts.Subscriptions,
		log:          opts.Logger,
		sendBuffer:   opts.SendBuffer,
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		writeWait:    opts.WriteWait,
		conns:        make(map[string]*conn),
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.sendBuffer <= 0 {
		h.sendBuffer = 32
	}
	if h.pongWait <= 0 {
		h.pongWait = 60 * time.Second
	}
	if h.pingInterval <= 0 || h.pingInterval >= h.pongWait {
		h.pingInterval = h.pongWait * 9 / 10
	}
	if h.writeWait <= 0 {
		h.writeWait = 10 * time.Second
	}
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     check,
	}
	return h
}

// Handler upgrades the request and serves the connection until it closes.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.log.Warn("socket upgrade failed", "err", err)
			return
		}

		cn := &conn{
			id:   uuid.NewString(),
			ws:   ws,
			hub:  h,
			send: make(chan []byte, h.sendBuffer),
			done: make(chan struct{}),
		}
		h.add(cn)
		h.log.Info("socket connected", "conn_id", cn.id, "remote", c.ClientIP())

		if frame, err := encodeFrame(EventMessage, welcomeText); err == nil {
			cn.enqueue(frame)
		}

		go cn.writeLoop()
		cn.readLoop()

		h.remove(cn)
		if h.subs != nil {
			h.subs.UnsubscribeAll(cn)
		}
		cn.close()
		h.log.Info("socket disconnected", "conn_id", cn.id)
	}
}

// Broadcast sends an event to every connection.
func (h *Hub) Broadcast(event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		h.log.Warn("broadcast encode failed", "event", event, "err", err)
		return
	}

	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	dropped := 0
	for _, c := range conns {
		if !c.enqueue(frame) {
			dropped++
		}
	}
	h.log.Debug("broadcast", "event", event, "conns", len(conns), "dropped", dropped)
}

// Connections reports how many sockets are open.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every open connection, e.g. on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

type conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte

	once sync.Once
	done chan struct{}
}

func (c *conn) ID() string { return c.id }

// Deliver implements relay.Subscriber.
func (c *conn) Deliver(u relay.Update) bool {
	frame, err := encodeFrame(EventCallStatusUpdate, StatusUpdate{CallID: u.CallID, Status: u.Status})
	if err != nil {
		return false
	}
	return c.enqueue(frame)
}

// enqueue never blocks; it reports false when the queue is full or closed.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) readLoop() {
	h := c.hub
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("socket read failed", "conn_id", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.log.Debug("socket frame ignored", "conn_id", c.id, "err", err)
			continue
		}
		c.handle(f)
	}
}

func (c *conn) handle(f Frame) {
	h := c.hub
	switch f.Event {
	case EventRegisterCall, EventUnregisterCall:
		callID, err := parseCallID(f.Data)
		if err != nil {
			h.log.Debug("socket registration ignored", "conn_id", c.id, "event", f.Event, "err", err)
			return
		}
		if h.subs == nil {
			return
		}
		if f.Event == EventRegisterCall {
			h.subs.Subscribe(callID, c)
			h.log.Info("socket registered for call", "conn_id", c.id, "call_sid", callID)
		} else {
			h.subs.Unsubscribe(callID, c)
			h.log.Debug("socket unregistered from call", "conn_id", c.id, "call_sid", callID)
		}
	default:
		h.log.Debug("socket event ignored", "conn_id", c.id, "event", f.Event)
	}
}

func (c *conn) writeLoop() {
	h := c.hub
	ping := time.NewTicker(h.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(h.writeWait))
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("socket write failed", "conn_id", c.id, "err", err)
				c.close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
