// Command jsonkit serves a directory of JSON files as a live tree.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jsonkit/jsonkit/internal/config"
	"github.com/jsonkit/jsonkit/internal/logging"
)

var (
	configFile string

	loader         *config.Loader
	appConfig      *config.Config
	logger         *slog.Logger
	cleanupLogging = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "jsonkit",
	Short: "Browse a directory of JSON files as a live tree",
	Long: `jsonkit serves a directory of JSON files as a navigable tree.

Every file can carry extData: values pulled out of its content by named
queries (JSONPath when the query starts with '$', GJSON paths otherwise).
Connected clients receive add, change and remove events as files are
written, and keep their copy of the tree current without reloading it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader = config.NewLoader(configFile, nil)
		for key, name := range map[string]string{
			"logging.level": "log-level",
			"logging.file":  "log-file",
		} {
			if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		if bind, ok := flagBindings[cmd]; ok {
			for key, name := range bind {
				if err := loader.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
					return err
				}
			}
		}

		cfg, err := loader.Load()
		if err != nil {
			return err
		}
		appConfig = cfg

		l, cleanup, err := logging.Setup(logging.Config{
			Level:      cfg.Logging.Level,
			FilePath:   cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		logger = l
		cleanupLogging = cleanup
		slog.SetDefault(logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cleanupLogging()
	},
}

// flagBindings maps a command to the config keys its flags override.
var flagBindings = map[*cobra.Command]map[string]string{}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./"+config.DefaultFile+" if present)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-file", "", "Also write JSON logs to this file (rotated)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "serve", Title: "Serving:"},
		&cobra.Group{ID: "inspect", Title: "Inspecting:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
