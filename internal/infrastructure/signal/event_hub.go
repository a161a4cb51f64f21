// Package signal serves the websocket event hub: every engine event is
// broadcast to connected clients, and clients with control rights can send
// call commands back.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"intercom/internal/core/domain"
	"intercom/internal/core/ports"
	apperrors "intercom/pkg/errors"
)

// Message is what clients send.
type Message struct {
	Type   string `json:"type"`   // "command" or "status"
	Action string `json:"action"` // start, answer, decline, hangup, toggle
	ID     string `json:"id,omitempty"`
}

// Reply answers a client message.
type Reply struct {
	Type   string         `json:"type"` // "result", "status" or "error"
	ID     string         `json:"id,omitempty"`
	Action string         `json:"action,omitempty"`
	OK     bool           `json:"ok"`
	Code   string         `json:"code,omitempty"`
	Error  string         `json:"error,omitempty"`
	Status *domain.Status `json:"status,omitempty"`
}

type eventFrame struct {
	Type  string       `json:"type"` // always "event"
	Event domain.Event `json:"event"`
}

type Options struct {
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	AllowedOrigins []string // empty allows any origin

	MessagesPerSecond float64 // per client; 0 disables
	Burst             int
	MaxMessageSize    int64
}

func (o *Options) applyDefaults() {
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * o.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
}

type client struct {
	id         string
	conn       *websocket.Conn
	send       chan []byte
	canControl bool
	closeOnce  sync.Once
	done       chan struct{}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub implements ports.EventSink.
type Hub struct {
	calls    ports.CallController
	opts     Options
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub(calls ports.CallController, opts Options, logger *zap.SugaredLogger) *Hub {
	opts.applyDefaults()
	h := &Hub{
		calls:   calls,
		opts:    opts,
		logger:  logger,
		clients: make(map[string]*client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.opts.AllowedOrigins, origin)
}

// Publish broadcasts ev. Clients whose queue is full are disconnected.
func (h *Hub) Publish(ev domain.Event) {
	data, err := json.Marshal(eventFrame{Type: "event", Event: ev})
	if err != nil {
		h.logger.Errorw("failed to marshal event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warnw("event client too slow, disconnecting", "client_id", c.id)
			c.close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and runs the client until it disconnects.
// canControl gates call commands.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, canControl bool) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, h.opts.SendQueue),
		canControl: canControl,
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Infow("event client connected", "client_id", c.id, "remote", r.RemoteAddr, "control", canControl)

	status := h.calls.Status()
	h.queue(c, Reply{Type: "status", OK: true, Status: &status})

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	h.logger.Infow("event client disconnected", "client_id", c.id)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if h.opts.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.MessagesPerSecond), h.opts.Burst)
	}
	c.conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debugw("event client read failed", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		if !limiter.Allow() {
			h.queue(c, errorReply(msg, apperrors.NewRateLimitError()))
			continue
		}
		h.queue(c, h.handle(ctx, c, msg))
	}
}

func (h *Hub) handle(ctx context.Context, c *client, msg Message) Reply {
	switch msg.Type {
	case "status":
		status := h.calls.Status()
		return Reply{Type: "status", ID: msg.ID, OK: true, Status: &status}
	case "command":
	default:
		return errorReply(msg, apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type %q", msg.Type)))
	}

	if !c.canControl {
		return errorReply(msg, apperrors.NewUnauthorizedError("token does not allow call control"))
	}

	var run func(context.Context) error
	switch msg.Action {
	case "start":
		run = h.calls.StartCall
	case "answer":
		run = h.calls.Answer
	case "decline":
		run = h.calls.Decline
	case "hangup":
		run = h.calls.Hangup
	case "toggle":
		run = h.calls.Toggle
	default:
		return errorReply(msg, apperrors.NewInvalidInputError(fmt.Sprintf("unknown action %q", msg.Action)))
	}

	if err := run(ctx); err != nil {
		h.logger.Infow("websocket command failed", "client_id", c.id, "action", msg.Action, "error", err)
		return errorReply(msg, apperrors.FromDomain(err))
	}
	return Reply{Type: "result", ID: msg.ID, Action: msg.Action, OK: true}
}

func errorReply(msg Message, err *apperrors.AppError) Reply {
	return Reply{
		Type:   "error",
		ID:     msg.ID,
		Action: msg.Action,
		Code:   string(err.Code),
		Error:  err.Message,
	}
}

func (h *Hub) queue(c *client, r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.close()
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteTimeout))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.close()
	}
}
