package crypto

import (
	"bytes"
	"testing"
	"time"
)

func TestDeriveDiscoveryKey(t *testing.T) {
	t.Parallel()

	a := DeriveDiscoveryKey("secret", "meshnet", 1000)
	b := DeriveDiscoveryKey("secret", "meshnet", 1000)
	if !bytes.Equal(a, b) {
		t.Error("derivation is not deterministic")
	}
	if len(a) != DiscoveryKeySize {
		t.Errorf("key length = %d, want %d", len(a), DiscoveryKeySize)
	}

	if bytes.Equal(a, DeriveDiscoveryKey("other", "meshnet", 1000)) {
		t.Error("different secrets derive the same key")
	}
	if bytes.Equal(a, DeriveDiscoveryKey("secret", "othernet", 1000)) {
		t.Error("different network names derive the same key")
	}
	if bytes.Equal(a, DeriveDiscoveryKey("secret", "meshnet", 2000)) {
		t.Error("different iteration counts derive the same key")
	}
}

func TestDeriveDiscoveryKeyDefaultIterations(t *testing.T) {
	t.Parallel()

	def := DeriveDiscoveryKey("secret", "meshnet", 0)
	explicit := DeriveDiscoveryKey("secret", "meshnet", DefaultKDFIterations)
	if !bytes.Equal(def, explicit) {
		t.Error("iterations <= 0 should select DefaultKDFIterations")
	}
	if !bytes.Equal(def, DeriveDiscoveryKey("secret", "meshnet", -5)) {
		t.Error("negative iterations should select DefaultKDFIterations")
	}
}

func TestRendezvousInfohashRotation(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

	sameHour := RendezvousInfohashAt("secret", base.Add(20*time.Minute))
	if RendezvousInfohashAt("secret", base) != sameHour {
		t.Error("infohash changed within the same hour")
	}

	nextHour := RendezvousInfohashAt("secret", base.Add(time.Hour))
	if RendezvousInfohashAt("secret", base) == nextHour {
		t.Error("infohash did not rotate across the hour boundary")
	}

	if RendezvousInfohashAt("secret", base) == RendezvousInfohashAt("other", base) {
		t.Error("different secrets produce the same infohash")
	}
}

func TestRendezvousInfohashesCoverRotation(t *testing.T) {
	t.Parallel()

	current, previous := RendezvousInfohashes("secret")
	now := time.Now().UTC()
	if current != RendezvousInfohashAt("secret", now) {
		t.Error("current infohash mismatch")
	}
	if previous != RendezvousInfohashAt("secret", now.Add(-time.Hour)) {
		t.Error("previous infohash mismatch")
	}
}
