// Package main is the CLI entry point for the MXF server: a
// channel-scoped runtime coordinating LLM-backed agents over tasks,
// tools, and shared event fabric.
//
// Start the server:
//
//	mxf serve --config mxf.yaml
//
// Configuration can also come from the environment:
//
//   - MXF_LISTEN_ADDR: bind address for the API and agent stream
//   - MXF_ADMIN_TOKEN: admin API token
//   - MXF_SQLITE_PATH: sqlite database path (selects the sqlite store)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "mxf",
		Short:         "MXF multi-agent coordination server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mxf %s (%s)\n", version, commit)
		},
	}
}
