package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsonkit/jsonkit/internal/client"
	"github.com/jsonkit/jsonkit/internal/tree"
)

var followCmd = &cobra.Command{
	Use:     "follow",
	GroupID: "serve",
	Short:   "Mirror a running server's tree in the terminal",
	Long: `Connect to a jsonkit server, load its tree and keep it current from
the change events it pushes. The tree is redrawn after every change.

With --open, the content of one file is printed and reprinted whenever it
changes. With --filter, entries whose title (or extData, once the query is
long enough) contain the query are highlighted.

The client reconnects after a dropped connection and reloads the tree.

Example usage:
  jsonkit follow --server http://localhost:3000
  jsonkit follow --filter urgent --open reports/q3.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		query, _ := cmd.Flags().GetString("filter")
		open, _ := cmd.Flags().GetString("open")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		api, err := client.NewAPI(serverURL, &http.Client{Timeout: 30 * time.Second})
		if err != nil {
			return err
		}
		settings, err := api.Config(ctx)
		if err != nil {
			return fmt.Errorf("failed to read server settings: %w", err)
		}

		rec := client.NewReconciler(settings.JSONDirectoryFull, func(path string) {
			showFile(ctx, api, path)
		})
		if open != "" {
			if !filepath.IsAbs(open) {
				open = filepath.Join(settings.JSONDirectoryFull, open)
			}
			rec.SetActive(open)
		}
		filter := client.Filter{MinLength: settings.ExtDataFilterSize}

		redraw := func() {
			var highlight map[string]bool
			if query != "" {
				res := rec.Filter(filter, query)
				highlight = make(map[string]bool, len(res.Matches))
				for _, key := range res.Matches {
					highlight[key] = true
				}
			}
			fmt.Println(renderTree(rec.Snapshot(), true, highlight))
		}

		title := settings.Title
		if title == "" {
			title = serverURL
		}
		sess, err := client.NewSession(client.SessionConfig{
			API:            api,
			Reconciler:     rec,
			PushURL:        api.PushURL(settings),
			ReconnectDelay: appConfig.Client.ReconnectDelay,
			OnState: func(state client.State, err error) {
				switch state {
				case client.StateLive:
					fmt.Printf("%s %s: live\n", renderPass("✓"), title)
					redraw()
					if active := rec.Active(); active != "" {
						showFile(ctx, api, active)
					}
				case client.StateConnecting:
					fmt.Printf("%s %s: connecting...\n", renderAccent("…"), title)
				case client.StateDisconnected:
					fmt.Printf("%s %s: disconnected (%v), retrying\n", renderWarn("!"), title, err)
				case client.StateLoadFailed:
					fmt.Printf("%s %s: tree load failed (%v), retrying\n", renderFail("✗"), title, err)
				}
			},
			OnChange: func(ev tree.Event) {
				fmt.Println(formatEvent(ev))
				redraw()
			},
			Logger: logger,
		})
		if err != nil {
			return err
		}

		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// showFile prints the content of the file at path, indented.
func showFile(ctx context.Context, api *client.API, path string) {
	raw, err := api.File(ctx, path)
	switch {
	case client.IsNotFound(err):
		fmt.Printf("%s %s no longer exists\n", renderWarn("!"), path)
		return
	case err != nil:
		logger.Warn("failed to fetch file", slog.String("path", path), slog.String("error", err.Error()))
		return
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		buf.Reset()
		buf.Write(raw)
	}
	fmt.Printf("%s\n%s\n", accentStyle.Render("── "+path), buf.String())
}

func init() {
	followCmd.Flags().String("server", "http://localhost:3000", "Base URL of the jsonkit server")
	followCmd.Flags().String("filter", "", "Highlight entries matching this query")
	followCmd.Flags().String("open", "", "File to display and keep current (relative to the server root)")
	followCmd.Flags().Duration("reconnect", 0, "Delay between reconnect attempts (default from config: 1s)")

	flagBindings[followCmd] = map[string]string{
		"client.reconnectDelay": "reconnect",
	}
	rootCmd.AddCommand(followCmd)
}
