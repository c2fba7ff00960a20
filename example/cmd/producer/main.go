// Standalone telemetry producer for testing the CLI.
//
// Usage:
//
//	go run ./cmd/ridecast serve -c example/config.yaml
//
// Then in another terminal:
//
//	go run ./example/cmd/producer --addr http://localhost:8080 --streams 5
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jpalmerr/ridecast/internal/apiclient"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "ridecast base URL")
	streams := flag.Int("streams", 3, "number of simulated streams")
	interval := flag.Duration("interval", time.Second, "time between entries per stream")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := apiclient.NewClient(*addr)
	defer client.Close()

	fmt.Printf("Producing %d streams to %s every %s\n", *streams, *addr, *interval)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	keys := make([]string, *streams)
	for i := range keys {
		keys[i] = fmt.Sprintf("trainer-%02d", i+1)
		if err := client.CreateStream(ctx, keys[i]); err != nil && !apiclient.IsStatus(err, 409) {
			slog.Error("failed to create stream", "stream", keys[i], "error", err)
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, k := range keys {
			fields := map[string]string{
				"power":      strconv.Itoa(150 + rand.Intn(200)),
				"heart_rate": strconv.Itoa(110 + rand.Intn(60)),
				"cadence":    strconv.Itoa(80 + rand.Intn(20)),
			}
			if _, err := client.Append(ctx, k, fields); err != nil && ctx.Err() == nil {
				slog.Warn("append failed", "stream", k, "error", err)
			}
		}
	}
}
