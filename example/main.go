package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/ridecast"
	"github.com/jpalmerr/ridecast/internal/apiclient"
)

func main() {
	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc, err := ridecast.New(
		ridecast.WithPort(8080),
		ridecast.WithTitle("Saturday Club Ride"),
		ridecast.WithHeartbeat(15*time.Second),
		ridecast.WithRetention(10*time.Minute, time.Minute),
	)
	if err != nil {
		slog.Error("failed to create ridecast", "error", err)
		os.Exit(1)
	}

	// simulated riders post telemetry through the public API (see rider.go)
	go func() {
		time.Sleep(200 * time.Millisecond)
		client := apiclient.NewClient("http://localhost:8080")
		defer client.Close()
		RunRiders(ctx, client, []*rider{
			newRider("alice", 280),
			newRider("bruno", 240),
			newRider("chen", 310),
		}, time.Second)
	}()

	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════════════════╗")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   ridecast Demo                                       ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Open http://localhost:8080 in your browser          ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Streams:                                            ║")
	fmt.Println("  ║   • 3 simulated riders, one entry per second          ║")
	fmt.Println("  ║   • deleted 10 minutes after the last entry           ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ║   Press Ctrl+C to stop                                ║")
	fmt.Println("  ║                                                       ║")
	fmt.Println("  ╚═══════════════════════════════════════════════════════╝")
	fmt.Println()

	if err := rc.Start(ctx); err != nil {
		slog.Error("ridecast error", "error", err)
		os.Exit(1)
	}
}
