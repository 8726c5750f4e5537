package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jsonkit/jsonkit/internal/config"
	"github.com/jsonkit/jsonkit/internal/extdata"
	"github.com/jsonkit/jsonkit/internal/server"
	"github.com/jsonkit/jsonkit/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "serve",
	Short:   "Serve the JSON directory and push changes to clients",
	Long: `Serve the configured JSON directory over HTTP and push every settled
change to connected WebSocket clients.

Routes:
  /api/files?path=<dir>    ordered listing of a directory, with extData
  /api/file?path=<file>    raw content of one .json file
  /config                  public settings (title, root, extraction rules)
  /ws                      change events: add, addDir, change, unlink, unlinkDir
  /health, /metrics        liveness and Prometheus metrics

Editing the config file while serving swaps the extraction rules in place.

Example usage:
  jsonkit serve                        # ./config.json or defaults, port 3000
  jsonkit serve --port 9000 --dir ./data
  JSON_DIR=/srv/json jsonkit serve`,
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

		srv, err := server.NewServer(&server.Config{
			Port:     cfg.Server.Port,
			PortWss:  cfg.Server.PortWss,
			Scanner:  p.scanner,
			Settings: p.settings(cfg),
			CORS: server.CORSConfig{
				Enabled: cfg.Server.CORS.Enabled,
				Origins: cfg.Server.CORS.Origins,
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		loader.Watch(func(next *config.Config) {
			p.cache.SetExtractor(extdata.New(next.Navigation.ExtData, logger))
			settings := p.settings(cfg)
			settings.ExtData = next.Navigation.ExtData
			settings.ExtDataFilterSize = next.Navigation.ExtDataFilterSize
			settings.Title = next.App.Title
			settings.Version = next.App.Version
			srv.SetSettings(settings)
			if next.Server.Port != cfg.Server.Port || next.Server.PortWss != cfg.Server.PortWss ||
				next.Navigation.JSONDirectory != cfg.Navigation.JSONDirectory {
				logger.Warn("listener or directory changes take effect after a restart")
			}
		})

		fmt.Printf("%s Serving %s\n", renderPass("✓"), p.root)
		fmt.Printf("   HTTP:      http://%s\n", srv.GetAddr())
		if addr := srv.GetWSAddr(); addr != "" {
			fmt.Printf("   WebSocket: ws://%s/\n", addr)
		} else {
			fmt.Printf("   WebSocket: ws://%s/ws\n", srv.GetAddr())
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		handler := server.NewHandler(srv, logger)
		runErr := handler.Run(ctx, w.Events(), w.Errors())

		fmt.Println("\nShutting down...")
		if err := srv.Stop(); err != nil {
			logger.Error("shutdown failed", slog.String("error", err.Error()))
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 3000, "Port to listen on")
	serveCmd.Flags().Int("port-wss", 0, "Dedicated WebSocket port (0: share the HTTP port)")
	serveCmd.Flags().StringP("dir", "d", ".", "JSON directory to serve")

	flagBindings[serveCmd] = map[string]string{
		"server.port":              "port",
		"server.portWss":           "port-wss",
		"navigation.jsonDirectory": "dir",
	}
	rootCmd.AddCommand(serveCmd)
}
