package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jsonkit/jsonkit/internal/tree"
	"github.com/jsonkit/jsonkit/internal/watch"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "inspect",
	Short:   "Print change events for the JSON directory",
	Long: `Watch the JSON root and print one line per settled change, without
starting a server.

On a terminal the output is colored; otherwise every line is a change
protocol message in JSON, as pushed to WebSocket clients.

Example usage:
  jsonkit watch
  jsonkit watch --stability 1s | jq .path`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig
		p, err := newPipeline(cfg, loader.ConfigFile())
		if err != nil {
			return err
		}

		w, err := watch.New(&watch.Config{
			StabilityThreshold: cfg.Watcher.StabilityThreshold,
			PollInterval:       cfg.Watcher.PollInterval,
			Cache:              p.cache,
			Logger:             logger,
		})
		if err != nil {
			return err
		}
		if err := w.Start(p.root); err != nil {
			_ = w.Stop()
			return err
		}
		defer w.Stop()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		pretty := term.IsTerminal(int(os.Stdout.Fd()))
		if pretty {
			fmt.Printf("%s Watching %s (Ctrl+C to stop)\n", renderAccent("👀"), p.root)
		}
		err = printEvents(ctx, os.Stdout, w.Events(), w.Errors(), pretty)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// printEvents writes events to out until ctx ends or the watcher stops.
func printEvents(ctx context.Context, out io.Writer, events <-chan tree.Event, errs <-chan error, pretty bool) error {
	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if pretty {
				fmt.Fprintln(out, formatEvent(ev))
				continue
			}
			if err := enc.Encode(ev.Message()); err != nil {
				return err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if tree.IsFatal(err) {
				return err
			}
			logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func init() {
	watchCmd.Flags().Duration("stability", 0, "Settle window before a write is reported (default from config: 500ms)")
	watchCmd.Flags().Duration("poll", 0, "Re-check interval for pending writes (default from config: 100ms)")

	flagBindings[watchCmd] = map[string]string{
		"watcher.stabilityThreshold": "stability",
		"watcher.pollInterval":       "poll",
	}
	rootCmd.AddCommand(watchCmd)
}
