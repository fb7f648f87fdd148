package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "brightlamp",
	Short: "Realtime voice/vision tutoring backend",
	Long: `brightlamp - server backend for the realtime tutoring tablet.

The server exposes one websocket endpoint per conversation and drives
the speech recognition, reasoning, and speech synthesis pipeline behind
it. Conversation sessions are seeded out of band and authorized with a
short-lived signed token.

Examples:
  # Run the server
  brightlamp serve --config /etc/brightlamp/config.yaml

  # Seed a session and print its connection token
  brightlamp sessions seed conv-123 user-42 --type solving

  # List live sessions, end one
  brightlamp sessions list
  brightlamp sessions end conv-123`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose output")
}
