// figure-service supervises figure generation runs: it serves the jobs API,
// or runs a single job in the foreground.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var flagVerbose bool // value of --verbose flag

func main() {
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = initLogging

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("figure-service failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "figure-service",
	Short:        "Supervisor for figure generation jobs",
	SilenceUsage: true,
}

func initLogging(cmd *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}
