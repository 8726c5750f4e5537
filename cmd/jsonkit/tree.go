package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsonkit/jsonkit/internal/tree"
)

var treeCmd = &cobra.Command{
	Use:     "tree [path]",
	GroupID: "inspect",
	Short:   "Print the scanned tree of a directory",
	Long: `Scan a directory under the JSON root and print it the way clients
receive it: directories first, then files, each group sorted by name.

Example usage:
  jsonkit tree                     # the whole JSON root
  jsonkit tree data/sub --extdata  # one subtree, with extracted values
  jsonkit tree --json              # the listing response body`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := newPipeline(appConfig, loader.ConfigFile())
		if err != nil {
			return err
		}

		target := p.root
		if len(args) == 1 {
			target = args[0]
		}

		start := time.Now()
		node, err := p.scanner.Scan(cmd.Context(), target)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(node.Children)
		}

		showExt, _ := cmd.Flags().GetBool("extdata")
		fmt.Println(renderTree(node, showExt, nil))

		var dirs, files int
		node.Walk(func(n *tree.Node) bool {
			if n == node {
				return true
			}
			if n.IsDir() {
				dirs++
			} else {
				files++
			}
			return true
		})
		fmt.Printf("\n%d directories, %d files in %v\n", dirs, files, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	treeCmd.Flags().Bool("json", false, "Print the listing as JSON")
	treeCmd.Flags().BoolP("extdata", "e", false, "Show extracted values next to each file")
	rootCmd.AddCommand(treeCmd)
}
