package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Persistent flags available to all subcommands
	configPath string
	jsonOutput bool

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portmux",
	Short: "portmux serves many protocols on a single port",
	Long: `portmux accepts connections on one listener, recognizes the protocol each
client speaks (HTTP, WebSocket, MQTT, gRPC, the binary frame protocol, TLS)
and routes every message to the matching endpoint.

Configuration is read from a JSON, YAML or TOML file and can be overridden
with PORTMUX_* environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true, // errors are printed by Main
}

// Main runs the root command and returns the process exit code.
func Main() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

// Execute runs the command line and exits.
// This is called by main.main().
func Execute() {
	os.Exit(Main())
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("PORTMUX_CONFIG"), "Configuration file (json, yaml or toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
}
