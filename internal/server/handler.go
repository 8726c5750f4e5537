package server

import (
	"context"
	"log/slog"

	"github.com/jsonkit/jsonkit/internal/tree"
)

// Broadcaster is what the Handler relays events to. Server and Hub both
// satisfy it.
type Broadcaster interface {
	Broadcast(ev tree.Event) int
}

// Handler bridges watcher output to the push connections.
type Handler struct {
	target Broadcaster
	logger *slog.Logger
}

// NewHandler creates a handler that relays to target.
func NewHandler(target Broadcaster, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{target: target, logger: logger}
}

// Run relays events until ctx is cancelled or the watcher closes its
// channels. A fatal watcher error is returned; other errors are logged.
func (h *Handler) Run(ctx context.Context, events <-chan tree.Event, errs <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				return h.drain(errs)
			}
			n := h.target.Broadcast(ev)
			h.logger.Debug("event relayed",
				slog.String("type", ev.Kind.String()),
				slog.String("path", ev.Path),
				slog.Int("clients", n))

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if tree.IsFatal(err) {
				return err
			}
			h.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// drain looks for a fatal error left behind once events are closed.
func (h *Handler) drain(errs <-chan error) error {
	if errs == nil {
		return nil
	}
	for err := range errs {
		if tree.IsFatal(err) {
			return err
		}
		h.logger.Warn("watcher error", slog.String("error", err.Error()))
	}
	return nil
}
