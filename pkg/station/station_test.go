package station

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/radio"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSimSelfID(t *testing.T) {
	t.Parallel()

	a := simSelfID("W1AW-hq")
	b := simSelfID("W1AW-hq")
	c := simSelfID("KB2XYZ-station")

	if a != b {
		t.Error("self id should be stable for the same station")
	}
	if a == c {
		t.Error("different stations should get different self ids")
	}
	if a <= 0 || c <= 0 {
		t.Errorf("self ids should be positive, got %d and %d", a, c)
	}
}

// stubDirectory answers the directory contract with an empty network.
func stubDirectory(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		var data any
		if r.Method == http.MethodGet && r.URL.Query().Get("peers") == "true" {
			data = map[string]any{"peers": []any{}}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"data":      data,
			"timestamp": time.Now().UnixMilli(),
		})
	}))
}

func testStation(t *testing.T) *Station {
	t.Helper()

	dir := stubDirectory(t)
	t.Cleanup(dir.Close)

	file, err := NewStationFile(Identity{
		StationID:   "W1AW-hq",
		DisplayName: "HQ Station",
	}, "summit-net", "lifecycle-secret", 1024)
	if err != nil {
		t.Fatalf("NewStationFile failed: %v", err)
	}

	tmp := t.TempDir()
	t.Setenv("STATIONBRIDGE_SOCKET", filepath.Join(tmp, "control.sock"))

	cfg := &Config{
		DiscoveryURL:           dir.URL,
		DiscoveryTimeout:       2 * time.Second,
		DiscoveryCheckInterval: time.Hour,
		P2PListenPort:          0, // ephemeral
		P2PMaxConnections:      4,
		P2PConnectionTimeout:   2 * time.Second,
		LocalTesting:           true,
		RegistryPath:           filepath.Join(tmp, "registry"),
		LogLevel:               "info",
	}

	s, err := New(cfg, file, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func TestStationLifecycle(t *testing.T) {
	s := testStation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	status := s.rpcStatus()
	if status.StationID != "W1AW-hq" {
		t.Errorf("StationID = %q", status.StationID)
	}
	if status.ConnectedPeers != 0 {
		t.Errorf("ConnectedPeers = %d, want 0", status.ConnectedPeers)
	}

	if peers := s.rpcPeers(); len(peers) != 0 {
		t.Errorf("expected no peers, got %d", len(peers))
	}
	if conflicts := s.rpcConflicts(); len(conflicts) != 0 {
		t.Errorf("expected no conflicts, got %d", len(conflicts))
	}

	// Stop twice must be safe.
	s.Stop()
	s.Stop()
}

func TestStationSendToUnknownStation(t *testing.T) {
	s := testStation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	if _, err := s.rpcSendMessage("NOCALL-anywhere", 42, "hello"); err == nil {
		t.Error("sending to an undiscovered station should fail")
	}
	if _, err := s.rpcSendMessage("x", 42, "hello"); err == nil {
		t.Error("invalid station id should be rejected")
	}
}

func TestRefreshLocalNodes(t *testing.T) {
	s := testStation(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	sim, ok := s.radio.(*radio.Sim)
	if !ok {
		t.Fatalf("expected simulated radio, got %T", s.radio)
	}
	sim.AddNode(radio.Node{ID: 777, LongName: "ridge-repeater", Online: true})

	s.refreshLocalNodes()

	for _, n := range s.rpcNodes() {
		if n.NodeID == 777 {
			if !n.Local {
				t.Error("radio node should be registered as local")
			}
			if n.Name != "ridge-repeater" {
				t.Errorf("node name = %q", n.Name)
			}
			return
		}
	}
	t.Error("radio node 777 should appear in the registry after refresh")
}
