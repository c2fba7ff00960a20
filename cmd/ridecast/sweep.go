package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/ridecast/internal/apiclient"
	"github.com/jpalmerr/ridecast/internal/server"
)

const sweepTokenTTL = time.Minute

// sweepCmd asks a running server to delete inactive streams now.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a retention sweep on a running server",
	Long: `Ask a running ridecast server to delete every stream whose newest entry
is older than the retention window.

When the server has an admin secret, pass a bearer token with --token, or
pass the secret itself with --secret (or RIDECAST_ADMIN_SECRET) and a
short-lived token is signed locally.

Example:
  ridecast sweep --addr http://localhost:8080
  ridecast sweep --addr http://localhost:8080 --window 2h --secret "$SECRET"`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	sweepCmd.Flags().String("addr", "http://localhost:8080", "server base URL")
	sweepCmd.Flags().String("window", "", "retention window, e.g. 2h (defaults to the server's)")
	sweepCmd.Flags().String("token", "", "admin bearer token")
	sweepCmd.Flags().String("secret", "", "admin secret used to sign a token")
	sweepCmd.Flags().Duration("timeout", 30*time.Second, "request timeout")
}

func runSweep(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	window, _ := cmd.Flags().GetString("window")
	token, _ := cmd.Flags().GetString("token")
	secret, _ := cmd.Flags().GetString("secret")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	if window != "" {
		d, err := time.ParseDuration(window)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid window %q", window)
		}
	}

	if secret == "" {
		secret = os.Getenv("RIDECAST_ADMIN_SECRET")
	}
	if token == "" && secret != "" {
		var err error
		if token, err = server.NewAdminToken(secret, "ridecast-cli", sweepTokenTTL); err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
	}

	client := apiclient.NewClient(addr, apiclient.WithToken(token), apiclient.WithTimeout(timeout))
	defer client.Close()

	res, err := client.Sweep(context.Background(), window)
	out := cmd.OutOrStdout()
	var se *apiclient.StatusError
	if errors.As(err, &se) && res.Window != "" {
		fmt.Fprintf(out, "Deleted %d streams (window %s) before failing\n", res.Deleted, res.Window)
	}
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(out, "Deleted %d streams (window %s)\n", res.Deleted, res.Window)
	return nil
}
