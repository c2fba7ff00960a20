package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/ridecast"
	"github.com/jpalmerr/ridecast/config"
)

// validateCmd validates a config file without starting the server.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a ridecast configuration file without starting the server.

This command parses the YAML, expands environment variables, and validates
all fields. It's useful for CI/CD pipelines or pre-deployment checks. The
log store is not contacted.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  ridecast validate -c config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// option-level checks that Parse leaves to the SDK
	rc, err := ridecast.New(config.BuildOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	admin := "open"
	if cfg.Admin.JWTSecret != "" {
		admin = "bearer token"
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Port:       %d\n", rc.Port())
	fmt.Fprintf(out, "  Store:      %s\n", describeStore(cfg.Store))
	fmt.Fprintf(out, "  Retention:  %s\n", rc.RetentionWindow())
	fmt.Fprintf(out, "  Admin:      %s\n", admin)

	return nil
}

func describeStore(s config.StoreConfig) string {
	switch s.Backend {
	case "redis":
		return fmt.Sprintf("redis (%s, db %d)", s.Addr, s.DB)
	case "pebble":
		return fmt.Sprintf("pebble (%s)", s.DataDir)
	}
	return s.Backend
}
