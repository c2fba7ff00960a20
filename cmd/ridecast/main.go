// Package main is the entry point for the ridecast CLI.
//
// ridecast can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	ridecast serve -c config.yaml     # Start the server
//	ridecast validate -c config.yaml  # Validate configuration
//	ridecast sweep --addr URL         # Run a retention sweep now
//	ridecast version                  # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set by GoReleaser at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:   "ridecast",
	Short: "Live telemetry broadcast for rides and workouts",
	Long: `ridecast relays live telemetry from append-only streams to connected
clients over Server-Sent Events and WebSockets.

Producers append entries over HTTP; viewers subscribe to one stream or to
all of them. Inactive streams are deleted after a retention window.

Quick start:
  1. Create a config file (ridecast.yaml)
  2. Run: ridecast serve -c ridecast.yaml
  3. Open http://localhost:8080 in your browser

Example config:
  port: 8080
  store:
    backend: redis
    addr: localhost:6379
  retention:
    window: 24h`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this ridecast binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "ridecast %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
