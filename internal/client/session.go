package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// State is the connection state of a Session.
type State int

const (
	// StateConnecting is set while dialing and loading.
	StateConnecting State = iota
	// StateLive means the mirror is loaded and events are being applied.
	StateLive
	// StateDisconnected means the push channel was lost or could not be
	// opened; the last-known mirror is kept and a reconnect is scheduled.
	StateDisconnected
	// StateLoadFailed means the listing could not be fetched.
	StateLoadFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateDisconnected:
		return "disconnected"
	case StateLoadFailed:
		return "load failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultReconnectDelay is the fixed wait between connection attempts.
const DefaultReconnectDelay = time.Second

// maxMessageSize bounds one change message; extData can be large.
const maxMessageSize = 4 << 20

// SessionConfig holds session configuration.
type SessionConfig struct {
	// API fetches the listing on every (re)connect. Required.
	API *API

	// Reconciler receives the listing and the events. Required.
	Reconciler *Reconciler

	// PushURL is the WebSocket endpoint. Required.
	PushURL string

	// ReconnectDelay is the fixed wait before redialing (default: 1s).
	ReconnectDelay time.Duration

	// OnState is called on every state change. err is the cause for
	// StateDisconnected and StateLoadFailed.
	OnState func(state State, err error)

	// OnChange is called after an event changed the mirror.
	OnChange func(ev tree.Event)

	// Logger for connection activity (default: slog.Default()).
	Logger *slog.Logger
}

// Session keeps a Reconciler in sync with a server. Every connection starts
// with a full reload of the mirror, since events missed while disconnected
// are not replayed.
type Session struct {
	config SessionConfig

	mu    sync.Mutex
	state State
}

// NewSession validates cfg and creates a session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.API == nil {
		return nil, errors.New("session: API is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("session: reconciler is required")
	}
	if cfg.PushURL == "" {
		return nil, errors.New("session: push URL is required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{config: cfg, state: StateConnecting}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	if s.config.OnState != nil {
		s.config.OnState(state, err)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled. It always
// returns ctx.Err().
func (s *Session) Run(ctx context.Context) error {
	for {
		s.setState(StateConnecting, nil)
		err := s.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.config.Logger.Warn("connection lost, retrying",
			slog.String("url", s.config.PushURL),
			slog.Duration("delay", s.config.ReconnectDelay),
			slog.String("error", err.Error()))

		timer := time.NewTimer(s.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// connect runs one connection to completion. The push channel is opened
// before the listing is fetched, so changes made during the load are
// queued and applied on top of it.
func (s *Session) connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.config.PushURL, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", s.config.PushURL, err)
		s.setState(StateDisconnected, err)
		return err
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxMessageSize)

	rec := s.config.Reconciler
	nodes, err := s.config.API.Tree(ctx, rec.Root())
	if err != nil {
		err = fmt.Errorf("load %s: %w", rec.Root(), err)
		s.setState(StateLoadFailed, err)
		return err
	}
	rec.Load(nodes)
	s.setState(StateLive, nil)
	s.config.Logger.Info("mirror loaded", slog.String("root", rec.Root()), slog.Int("entries", len(nodes)))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			err = fmt.Errorf("read: %w", err)
			if ctx.Err() == nil {
				s.setState(StateDisconnected, err)
			}
			return err
		}

		var ev tree.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.config.Logger.Warn("ignoring malformed message", slog.String("error", err.Error()))
			continue
		}
		if rec.Apply(ev) && s.config.OnChange != nil {
			s.config.OnChange(ev)
		}
	}
}
