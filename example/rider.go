package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/jpalmerr/ridecast/internal/apiclient"
)

// rider is a simulated cyclist whose effort drifts between intervals.
type rider struct {
	name     string
	ftp      float64 // functional threshold power, watts
	effort   float64 // fraction of ftp
	distance float64 // km
	nextEase time.Time
}

func newRider(name string, ftp float64) *rider {
	return &rider{name: name, ftp: ftp, effort: 0.7, nextEase: time.Now().Add(randomInterval())}
}

// randomInterval is 20-60 seconds.
func randomInterval() time.Duration {
	return time.Duration(20+rand.Intn(41)) * time.Second
}

// sample advances the ride by dt and returns the telemetry fields.
func (r *rider) sample(dt time.Duration) map[string]string {
	if time.Now().After(r.nextEase) {
		// alternate between tempo and recovery
		if r.effort > 0.8 {
			r.effort = 0.55 + rand.Float64()*0.15
		} else {
			r.effort = 0.9 + rand.Float64()*0.25
		}
		r.nextEase = time.Now().Add(randomInterval())
		slog.Info("effort change", "rider", r.name, "effort", math.Round(r.effort*100))
	}

	power := r.ftp * r.effort * (0.95 + rand.Float64()*0.1)
	speed := 18 + 22*r.effort + rand.Float64()*2
	hr := 95 + 85*r.effort + rand.Float64()*4
	cadence := 75 + 20*r.effort + rand.Float64()*5
	r.distance += speed * dt.Hours()

	return map[string]string{
		"power":       strconv.Itoa(int(power)),
		"speed_kph":   strconv.FormatFloat(speed, 'f', 1, 64),
		"heart_rate":  strconv.Itoa(int(hr)),
		"cadence":     strconv.Itoa(int(cadence)),
		"distance_km": strconv.FormatFloat(r.distance, 'f', 2, 64),
	}
}

// RunRiders appends telemetry for each rider every interval until ctx ends.
// Each rider gets its own stream named after it.
func RunRiders(ctx context.Context, client *apiclient.Client, riders []*rider, interval time.Duration) {
	for _, r := range riders {
		if err := client.CreateStream(ctx, r.name); err != nil && !apiclient.IsStatus(err, 409) {
			slog.Error("failed to create stream", "rider", r.name, "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, r := range riders {
				if _, err := client.Append(ctx, r.name, r.sample(interval)); err != nil && ctx.Err() == nil {
					slog.Warn("append failed", "rider", r.name, "error", err)
				}
			}
		}
	}
}
