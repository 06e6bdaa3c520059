// Command sessiond hosts the thread orchestrator described by the package
// docs under internal/: a JSON-RPC session daemon that owns thread
// lifecycle, turn execution, subscriptions, and login flows.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sessiond",
	Short: "sessiond is a JSON-RPC thread/turn orchestrator",
	Long: `sessiond hosts conversation threads and their turns behind a
line-delimited JSON-RPC protocol, durably logging every thread to a rollout
file and fanning out its events to subscribed connections.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-format", "auto", "Log format: auto, json, or terminal")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug-level logging")

	cobra.OnInitialize(func() {})

	rootCmd.AddCommand(serveCmd)
}

// newLogContext builds the base context carrying clue's logger
// configuration, read from the root command's persistent flags.
func newLogContext(cmd *cobra.Command) context.Context {
	formatFlag, _ := cmd.Flags().GetString("log-format")
	debug, _ := cmd.Flags().GetBool("debug")

	format := log.FormatJSON
	switch formatFlag {
	case "terminal":
		format = log.FormatTerminal
	case "json":
		format = log.FormatJSON
	default:
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
	}

	ctx := log.Context(context.Background(), log.WithFormat(format))
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
	}
	return ctx
}
