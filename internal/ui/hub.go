// Package ui streams the engine's UI events to browser clients over
// WebSocket and accepts their stop commands.
//
// Every connected client receives every event as one JSON text frame, for
// example {"type":"user_message","text":"hello","timestamp":"…"}. Clients may
// send {"type":"stop"} to cancel the reply in progress. A client that cannot
// keep up is disconnected rather than slowing the engine down.
package ui

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/hearth/internal/turn"
)

const (
	defaultClientBuffer = 32
	writeTimeout        = 5 * time.Second
	maxCommandBytes     = 4096
)

// Controller receives the commands clients send. [turn.Engine] satisfies it.
type Controller interface {
	StopResponse()
}

var (
	_ Controller = (*turn.Engine)(nil)
	_ turn.Sink  = (*Hub)(nil)
)

// command is an inbound client message.
type command struct {
	Type string `json:"type"`
}

// Option configures a [Hub].
type Option func(*Hub)

// WithClientBuffer sets how many events may wait for a slow client before it
// is disconnected. Defaults to 32.
func WithClientBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin clients whose Origin host matches
// one of the patterns. By default only same-origin clients are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) { h.origins = patterns }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// Hub fans engine events out to WebSocket clients. It implements
// [turn.Sink]; Emit never blocks.
type Hub struct {
	ctrl    Controller
	buffer  int
	origins []string
	log     *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	send chan []byte
	once sync.Once
	gone chan struct{}
}

func (c *client) drop() {
	c.once.Do(func() { close(c.gone) })
}

// NewHub creates a Hub that forwards stop commands to ctrl. ctrl may be nil
// for a read-only event stream.
func NewHub(ctrl Controller, opts ...Option) *Hub {
	h := &Hub{
		ctrl:    ctrl,
		buffer:  defaultClientBuffer,
		log:     slog.Default(),
		clients: make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Emit broadcasts ev to every connected client.
func (h *Hub) Emit(ev turn.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("ui: failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn("ui: client too slow, disconnecting", "type", ev.Type)
			delete(h.clients, c)
			c.drop()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.drop()
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the client until
// it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn("ui: websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxCommandBytes)

	c := &client{send: make(chan []byte, h.buffer), gone: make(chan struct{})}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.readCommands(ctx, cancel, conn)

	h.log.Info("ui: client connected", "remote", r.RemoteAddr)
	err = h.writeEvents(ctx, conn, c)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, errClientDropped) && h.isClosed():
		conn.Close(websocket.StatusGoingAway, "shutting down")
	case errors.Is(err, errClientDropped):
		conn.Close(websocket.StatusPolicyViolation, "client too slow")
	default:
		conn.CloseNow()
	}
	h.log.Info("ui: client disconnected", "remote", r.RemoteAddr)
}

var errClientDropped = errors.New("ui: client dropped")

// writeEvents forwards queued events until the client goes away.
func (h *Hub) writeEvents(ctx context.Context, conn *websocket.Conn, c *client) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.gone:
			// Flush what was queued before the drop, then hang up.
			for {
				select {
				case data := <-c.send:
					if err := write(ctx, conn, data); err != nil {
						return err
					}
				default:
					return errClientDropped
				}
			}
		case data := <-c.send:
			if err := write(ctx, conn, data); err != nil {
				return err
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// readCommands handles inbound messages. It cancels the connection context
// when the client closes.
func (h *Hub) readCommands(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.log.Debug("ui: ignoring malformed command", "error", err)
			continue
		}
		switch cmd.Type {
		case "stop":
			if h.ctrl != nil {
				h.ctrl.StopResponse()
			}
		default:
			h.log.Debug("ui: ignoring unknown command", "type", cmd.Type)
		}
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}
