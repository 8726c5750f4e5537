package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "inspect",
	Short:   "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration",
	Long: `Print the configuration after defaults, the config file, environment
variables and flags have been merged.

Example usage:
  jsonkit config show
  jsonkit config show --format yaml
  JSON_DIR=/srv/json jsonkit config show --format toml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		return appConfig.Encode(os.Stdout, format)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file and the resolved JSON root",
	RunE: func(cmd *cobra.Command, args []string) error {
		file := loader.ConfigFile()
		root, err := appConfig.JSONRoot(file)
		if err != nil {
			return err
		}
		if file == "" {
			fmt.Println("config file: (none, using defaults)")
		} else {
			fmt.Printf("config file: %s\n", file)
		}
		fmt.Printf("json root:   %s\n", root)
		return nil
	},
}

func init() {
	configShowCmd.Flags().StringP("format", "f", "json", "Output format: json, yaml, toml")

	configCmd.AddCommand(configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
