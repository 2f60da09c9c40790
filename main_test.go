package main

import (
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestVersionFlag(t *testing.T) {
	// Build the binary for testing
	buildCmd := exec.Command("go", "build", "-o", "/tmp/stationbridge-test", ".")
	if err := buildCmd.Run(); err != nil {
		t.Fatalf("Failed to build test binary: %v", err)
	}
	defer os.Remove("/tmp/stationbridge-test")

	tests := []struct {
		name string
		args []string
	}{
		{"version subcommand", []string{"version"}},
		{"--version flag", []string{"--version"}},
		{"-v flag", []string{"-v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command("/tmp/stationbridge-test", tt.args...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command failed: %v, output: %s", err, output)
			}

			result := strings.TrimSpace(string(output))
			if !strings.HasPrefix(result, "stationbridge ") {
				t.Errorf("Expected output to start with 'stationbridge ', got: %s", result)
			}

			parts := strings.Split(result, " ")
			if len(parts) < 2 {
				t.Errorf("Expected output format 'stationbridge <version>', got: %s", result)
			}
		})
	}
}

func TestVersionFlagPriority(t *testing.T) {
	buildCmd := exec.Command("go", "build", "-o", "/tmp/stationbridge-test", ".")
	if err := buildCmd.Run(); err != nil {
		t.Fatalf("Failed to build test binary: %v", err)
	}
	defer os.Remove("/tmp/stationbridge-test")

	tests := []struct {
		name string
		args []string
	}{
		{"version with other flags", []string{"--version", "--help"}},
		{"version with subcommand", []string{"-v", "run"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command("/tmp/stationbridge-test", tt.args...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command failed: %v, output: %s", err, output)
			}

			result := strings.TrimSpace(string(output))
			if !strings.HasPrefix(result, "stationbridge ") {
				t.Errorf("Expected version output, got: %s", result)
			}
			if strings.Contains(result, "COMMANDS") || strings.Contains(result, "Usage:") {
				t.Errorf("Version flag should not show help, got: %s", result)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m"},
		{2 * time.Hour, "2h"},
		{48 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIntField(t *testing.T) {
	t.Parallel()

	m := map[string]interface{}{
		"count":   float64(42),
		"not_num": "x",
	}
	if got := intField(m, "count"); got != 42 {
		t.Errorf("intField(count) = %d, want 42", got)
	}
	if got := intField(m, "not_num"); got != 0 {
		t.Errorf("intField(not_num) = %d, want 0", got)
	}
	if got := intField(m, "missing"); got != 0 {
		t.Errorf("intField(missing) = %d, want 0", got)
	}
}

func TestLastSeenAgo(t *testing.T) {
	t.Parallel()

	recent := map[string]interface{}{
		"last_seen": time.Now().Add(-5 * time.Second).Format(time.RFC3339),
	}
	if got := lastSeenAgo(recent); !strings.HasSuffix(got, "s ago") {
		t.Errorf("lastSeenAgo(recent) = %q", got)
	}

	bad := map[string]interface{}{"last_seen": "not-a-time"}
	if got := lastSeenAgo(bad); got != "unknown" {
		t.Errorf("lastSeenAgo(bad) = %q, want unknown", got)
	}
}
