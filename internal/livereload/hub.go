// Package livereload pushes build results to connected browsers over a
// websocket.
package livereload

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/buildwatch/internal/logging"
	"github.com/conneroisu/buildwatch/internal/results"
	"github.com/conneroisu/buildwatch/internal/validation"
)

const (
	sendBuffer   = 16
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// ClientGauge receives the number of connected clients.
type ClientGauge interface {
	SetClients(n int)
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub handles websocket connections and broadcasts messages to them.
//
// A single goroutine owns registration and fan-out; clients that cannot
// keep up are dropped rather than allowed to block a broadcast.
type Hub struct {
	clients      map[*websocket.Conn]*client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *client
	unregister chan *websocket.Conn

	allowedOrigins []string
	gauge          ClientGauge
	logger         logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	done         chan struct{}
}

// HubOptions configures a Hub.
type HubOptions struct {
	// AllowedOrigins lists origins or hosts allowed to connect besides the
	// request host. Requests without an Origin header are always accepted.
	AllowedOrigins []string
	Gauge          ClientGauge
	Logger         logging.Logger
}

// NewHub creates a hub and starts its loop.
func NewHub(opts HubOptions) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:        make(map[*websocket.Conn]*client),
		broadcast:      make(chan []byte, 64),
		register:       make(chan *client),
		unregister:     make(chan *websocket.Conn),
		allowedOrigins: opts.AllowedOrigins,
		gauge:          opts.Gauge,
		logger:         logging.OrNop(opts.Logger).WithComponent("livereload"),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	go h.run()
	return h
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" {
		allowed := append([]string{r.Host}, h.allowedOrigins...)
		if err := validation.ValidateOrigin(origin, allowed); err != nil {
			h.logger.Warn(r.Context(), err, "live reload connection rejected", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	// Origins were checked above.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "websocket upgrade failed", "remote", r.RemoteAddr)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go h.writeTo(c)
	h.readFrom(c)
}

// Publish broadcasts the message for res.
func (h *Hub) Publish(res results.Result) {
	h.Broadcast(MessageFor(res))
}

// Broadcast sends msg to every client. It never blocks; when the queue is
// full the message is dropped.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(h.ctx, err, "encoding live reload message")
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.ctx.Done():
	default:
		h.logger.Warn(h.ctx, nil, "broadcast queue full, dropping message", "type", msg.Type)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Shutdown disconnects every client and stops the hub.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.shutdownOnce.Do(h.cancel)
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.add(c)
		case conn := <-h.unregister:
			h.remove(conn)
		case msg := <-h.broadcast:
			h.fanOut(msg)
		case <-h.ctx.Done():
			h.clientsMutex.Lock()
			for conn, c := range h.clients {
				close(c.send)
				go conn.Close(websocket.StatusGoingAway, "server shutting down")
			}
			h.clients = make(map[*websocket.Conn]*client)
			h.clientsMutex.Unlock()
			h.report()
			return
		}
	}
}

func (h *Hub) add(c *client) {
	h.clientsMutex.Lock()
	h.clients[c.conn] = c
	h.clientsMutex.Unlock()
	h.report()
	h.logger.Debug(h.ctx, "live reload client connected", "clients", h.Clients())
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMutex.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(c.send)
	}
	h.clientsMutex.Unlock()
	if ok {
		go conn.Close(websocket.StatusNormalClosure, "")
		h.report()
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.clientsMutex.RLock()
	var slow []*websocket.Conn
	for conn, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, conn)
		}
	}
	h.clientsMutex.RUnlock()
	for _, conn := range slow {
		h.remove(conn)
	}
}

func (h *Hub) report() {
	if h.gauge != nil {
		h.gauge.SetClients(h.Clients())
	}
}

// readFrom discards client messages until the connection ends.
func (h *Hub) readFrom(c *client) {
	defer func() {
		select {
		case h.unregister <- c.conn:
		case <-h.ctx.Done():
		}
	}()
	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) writeTo(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		case <-h.ctx.Done():
			return
		}
	}
}
