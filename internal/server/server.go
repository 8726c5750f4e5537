// Package server exposes the JSON tree over HTTP and pushes change events to
// connected WebSocket clients.
//
// The server answers directory listings from the scanner and relays every
// canonical change event from the watcher to all open push connections.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jsonkit/jsonkit/internal/metrics"
	"github.com/jsonkit/jsonkit/internal/scanner"
	"github.com/jsonkit/jsonkit/internal/tree"
)

// Settings is the public configuration served at /config.
type Settings struct {
	Title             string            `json:"title"`
	Version           string            `json:"version"`
	JSONDirectory     string            `json:"jsonDirectory"`
	JSONDirectoryFull string            `json:"jsonDirectoryFull"`
	ExtData           map[string]string `json:"extData"`
	ExtDataFilterSize int               `json:"extDataFilterSize"`
	PortWss           int               `json:"portWss"`
}

// CORSConfig controls cross-origin access.
type CORSConfig struct {
	Enabled bool
	// Origins are host patterns as accepted by websocket.AcceptOptions.
	// "*" allows any origin.
	Origins []string
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (0 picks a free port).
	Port int

	// PortWss, when non-zero, starts a second listener serving only /ws.
	PortWss int

	// Scanner answers listing and file requests. Required.
	Scanner *scanner.Scanner

	// Settings served at /config.
	Settings Settings

	CORS CORSConfig

	// Hub tuning; Logger is filled in from the server's when unset.
	Hub HubConfig

	// Logger for server activity (default: slog.Default()).
	Logger *slog.Logger
}

// Server manages the HTTP listeners and the push connection hub.
type Server struct {
	config  Config
	scanner *scanner.Scanner
	hub     *Hub
	logger  *slog.Logger

	settingsMu sync.RWMutex
	settings   Settings

	listener   net.Listener
	wsListener net.Listener
	servers    []*http.Server

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server. Call Start to listen, or mount Handler on an
// existing listener.
func NewServer(config *Config) (*Server, error) {
	if config == nil || config.Scanner == nil {
		return nil, errors.New("server: scanner is required")
	}
	cfg := *config
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub.Logger == nil {
		cfg.Hub.Logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   cfg,
		scanner:  cfg.Scanner,
		hub:      NewHub(&cfg.Hub),
		logger:   cfg.Logger,
		settings: cfg.Settings,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Handler returns the full route set.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("GET /api/files", metrics.Middleware("/api/files", http.HandlerFunc(s.handleFiles)))
	mux.Handle("GET /api/file", metrics.Middleware("/api/file", http.HandlerFunc(s.handleFile)))
	mux.Handle("GET /config", metrics.Middleware("/config", http.HandlerFunc(s.handleConfig)))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return s.withCORS(mux)
}

// wsHandler serves only the push channel, for the dedicated listener.
func (s *Server) wsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	return mux
}

// Start begins listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on :%d: %w", s.config.Port, err)
	}
	s.listener = ln
	s.serve(ln, s.Handler(), "http")

	if s.config.PortWss != 0 {
		wsln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.PortWss))
		if err != nil {
			_ = s.Stop()
			return fmt.Errorf("failed to listen on :%d: %w", s.config.PortWss, err)
		}
		s.wsListener = wsln
		s.serve(wsln, s.wsHandler(), "websocket")
	}
	return nil
}

func (s *Server) serve(ln net.Listener, handler http.Handler, name string) {
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.servers = append(s.servers, srv)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("server listening", slog.String("listener", name), slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", slog.String("listener", name), slog.String("error", err.Error()))
		}
	}()
}

// Stop closes every push connection and shuts the listeners down.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")

	s.cancel()
	s.hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}
	s.wg.Wait()

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Broadcast relays ev to every open push connection.
func (s *Server) Broadcast(ev tree.Event) int {
	return s.hub.Broadcast(ev)
}

// SetSettings replaces the settings served at /config.
func (s *Server) SetSettings(settings Settings) {
	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
}

// Settings returns the settings currently served at /config.
func (s *Server) Settings() Settings {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// GetWSAddr returns the dedicated push listener's address, or "" when the
// push channel shares the main listener.
func (s *Server) GetWSAddr() string {
	if s.wsListener != nil {
		return s.wsListener.Addr().String()
	}
	return ""
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	return s.hub.Count()
}

// handleWebSocket upgrades the connection and keeps it registered until the
// peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if s.config.CORS.Enabled {
		opts.OriginPatterns = s.config.CORS.Origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	id, err := s.hub.Add(conn)
	if err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.hub.Remove(id)

	// Client messages are not part of the protocol; reading only detects
	// disconnects and answers control frames.
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// withCORS adds Access-Control headers for allowed origins.
func (s *Server) withCORS(next http.Handler) http.Handler {
	if !s.config.CORS.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.config.CORS.Origins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, pattern := range s.config.CORS.Origins {
		if ok, _ := path.Match(pattern, u.Host); ok || pattern == origin {
			return true
		}
	}
	return false
}
