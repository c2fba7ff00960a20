package config

import (
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/ridecast"
)

func TestBuildOptions_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(``))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	rc, err := ridecast.New(BuildOptions(cfg)...)
	if err != nil {
		t.Fatalf("ridecast.New() error = %v", err)
	}
	if rc.Port() != 8080 {
		t.Errorf("Port() = %d, want 8080", rc.Port())
	}
	if rc.Backend() != ridecast.BackendMemory {
		t.Errorf("Backend() = %q, want memory", rc.Backend())
	}
	if rc.RetentionWindow() != ridecast.DefaultRetentionWindow {
		t.Errorf("RetentionWindow() = %v, want %v", rc.RetentionWindow(), ridecast.DefaultRetentionWindow)
	}
}

func TestBuildOptions_Backends(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want ridecast.StoreBackend
	}{
		{"memory", "store:\n  backend: memory\n", ridecast.BackendMemory},
		{"pebble", "store:\n  backend: pebble\n  data_dir: /tmp/rc\n", ridecast.BackendPebble},
		{"redis", "store:\n  backend: redis\n  addr: localhost:6379\n", ridecast.BackendRedis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			rc, err := ridecast.New(BuildOptions(cfg)...)
			if err != nil {
				t.Fatalf("ridecast.New() error = %v", err)
			}
			if rc.Backend() != tt.want {
				t.Errorf("Backend() = %q, want %q", rc.Backend(), tt.want)
			}
		})
	}
}

func TestBuildOptions_FullConfig(t *testing.T) {
	cfg := &Config{
		Title: "Club Ride",
		Port:  9090,
		Store: StoreConfig{Backend: "redis", Addr: "localhost:6379", KeyPattern: "ride-*"},
		Pool: PoolConfig{
			MinConnections:      4,
			MaxConnections:      32,
			AcquireTimeout:      Duration(2 * time.Second),
			IdleTimeout:         Duration(time.Minute),
			HealthCheckInterval: Duration(10 * time.Second),
			ShutdownTimeout:     Duration(3 * time.Second),
		},
		Registry: RegistryConfig{RefreshInterval: Duration(time.Second), ScanCount: 200, TypeBatchSize: 20},
		Broadcast: BroadcastConfig{
			Block:             Duration(time.Second),
			ReadCount:         10,
			EmptyBackoff:      Duration(time.Second),
			ErrorBackoff:      Duration(2 * time.Second),
			HeartbeatInterval: Duration(15 * time.Second),
			WriteTimeout:      Duration(time.Second),
		},
		Retention: RetentionConfig{Window: Duration(2 * time.Hour), Interval: Duration(10 * time.Minute)},
		Admin:     AdminConfig{JWTSecret: "0123456789abcdef"},
	}

	rc, err := ridecast.New(BuildOptions(cfg)...)
	if err != nil {
		t.Fatalf("ridecast.New() error = %v", err)
	}
	if rc.Port() != 9090 {
		t.Errorf("Port() = %d, want 9090", rc.Port())
	}
	if rc.RetentionWindow() != 2*time.Hour {
		t.Errorf("RetentionWindow() = %v, want 2h", rc.RetentionWindow())
	}
}

// TestBuildOptions_HalfPairs verifies that setting only one half of a paired
// setting fills the other half with the SDK default instead of failing.
func TestBuildOptions_HalfPairs(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"pool min only", "pool:\n  min_connections: 3\n"},
		{"pool min above default max", "pool:\n  min_connections: 20\n"},
		{"pool max only", "pool:\n  max_connections: 50\n"},
		{"scan count only", "registry:\n  scan_count: 1000\n"},
		{"type batch only", "registry:\n  type_batch_size: 5\n"},
		{"empty backoff only", "broadcast:\n  empty_backoff: 3s\n"},
		{"error backoff only", "broadcast:\n  error_backoff: 3s\n"},
		{"retention interval only", "retention:\n  interval: 5m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if _, err := ridecast.New(BuildOptions(cfg)...); err != nil {
				t.Errorf("ridecast.New() error = %v", err)
			}
		})
	}
}

func TestBuildOptions_RetentionWindowOnly(t *testing.T) {
	cfg, err := Parse([]byte("retention:\n  window: 72h\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	rc, err := ridecast.New(BuildOptions(cfg)...)
	if err != nil {
		t.Fatalf("ridecast.New() error = %v", err)
	}
	if rc.RetentionWindow() != 72*time.Hour {
		t.Errorf("RetentionWindow() = %v, want 72h", rc.RetentionWindow())
	}
}

func TestBuildOptions_InvalidSurfacesInNew(t *testing.T) {
	// hand-built configs skip Parse validation; the SDK still rejects them
	cfg := &Config{Port: 8080, Store: StoreConfig{Backend: "memory", KeyPattern: "*"}, Admin: AdminConfig{JWTSecret: "short"}}

	_, err := ridecast.New(BuildOptions(cfg)...)
	if err == nil {
		t.Fatal("ridecast.New() expected error for a short admin secret")
	}
	if !strings.Contains(err.Error(), "admin secret") {
		t.Errorf("error = %q, want containing %q", err.Error(), "admin secret")
	}
}
