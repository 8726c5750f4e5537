package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jsonkit/jsonkit/internal/metrics"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// ErrHubClosed is returned by Add after Close.
var ErrHubClosed = errors.New("hub closed")

// Conn is the part of a push connection the hub needs.
// *websocket.Conn satisfies it.
type Conn interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// QueueSize is the number of messages buffered per connection before the
	// connection is considered dead (default: 64).
	QueueSize int

	// WriteTimeout bounds a single write (default: 5s).
	WriteTimeout time.Duration

	// Logger for connection activity (default: slog.Default()).
	Logger *slog.Logger
}

type client struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}

	once   sync.Once
	code   websocket.StatusCode
	reason string
}

func (c *client) stop(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

// Hub is the registry of open push connections. Every connection has its own
// queue and writer goroutine; a connection whose queue overflows or whose
// write fails is removed without affecting the others.
type Hub struct {
	config HubConfig

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(config *HubConfig) *Hub {
	cfg := HubConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		config:  cfg,
		clients: make(map[string]*client),
	}
}

// Add registers conn and returns its id.
func (h *Hub) Add(conn Conn) (string, error) {
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.config.QueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(c)

	metrics.SetWSClients(count)
	h.config.Logger.Info("client connected", slog.String("id", c.id), slog.Int("clients", count))
	return c.id, nil
}

// Remove deregisters the connection with the given id and closes it.
// It reports whether the id was registered.
func (h *Hub) Remove(id string) bool {
	return h.drop(id, websocket.StatusNormalClosure, "")
}

func (h *Hub) drop(id string, code websocket.StatusCode, reason string) bool {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return false
	}
	c.stop(code, reason)

	metrics.SetWSClients(count)
	h.config.Logger.Info("client disconnected", slog.String("id", id), slog.Int("clients", count))
	return true
}

// Broadcast queues ev for every open connection and returns how many
// connections accepted it.
func (h *Hub) Broadcast(ev tree.Event) int {
	data, err := json.Marshal(ev.Message())
	if err != nil {
		h.config.Logger.Error("failed to marshal event",
			slog.String("path", ev.Path),
			slog.String("error", err.Error()))
		return 0
	}
	metrics.RecordBroadcast(ev.Kind.String())

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range clients {
		select {
		case c.send <- data:
			delivered++
		default:
			metrics.RecordBroadcastFailure()
			h.config.Logger.Warn("client queue full, dropping connection", slog.String("id", c.id))
			h.drop(c.id, websocket.StatusPolicyViolation, "too slow")
		}
	}
	return delivered
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close closes every connection and waits for their writers to exit.
// Later calls to Add fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop(websocket.StatusGoingAway, "server shutting down")
	}
	h.wg.Wait()
	metrics.SetWSClients(0)
}

// writeLoop drains one connection's queue in order.
func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer func() {
		_ = c.conn.Close(c.code, c.reason)
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), h.config.WriteTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				metrics.RecordBroadcastFailure()
				h.config.Logger.Warn("failed to send to client",
					slog.String("id", c.id),
					slog.String("error", err.Error()))
				h.drop(c.id, websocket.StatusInternalError, "write failed")
				// Close may have removed c first; done is closed either way.
				<-c.done
				return
			}
		}
	}
}
