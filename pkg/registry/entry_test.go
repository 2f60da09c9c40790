package registry

import (
	"testing"
	"time"
)

func TestChecksumOrderIndependent(t *testing.T) {
	t.Parallel()
	a := []Entry{
		{NodeID: 2, StationID: "station-b", LastSeen: 200},
		{NodeID: 1, StationID: "station-a", LastSeen: 100},
		{NodeID: 1, StationID: "station-b", LastSeen: 150},
	}
	b := []Entry{a[1], a[2], a[0]}

	if Checksum(a) != Checksum(b) {
		t.Fatalf("checksum depends on input order: %s != %s", Checksum(a), Checksum(b))
	}
	if len(Checksum(a)) != 16 {
		t.Fatalf("checksum length = %d, want 16", len(Checksum(a)))
	}
}

func TestChecksumSensitivity(t *testing.T) {
	t.Parallel()
	base := []Entry{{NodeID: 1, StationID: "station-a", LastSeen: 100}}

	tests := []struct {
		name   string
		mutate func(Entry) Entry
	}{
		{"node id", func(e Entry) Entry { e.NodeID = 2; return e }},
		{"station id", func(e Entry) Entry { e.StationID = "station-b"; return e }},
		{"last seen", func(e Entry) Entry { e.LastSeen = 101; return e }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			changed := []Entry{tt.mutate(base[0])}
			if Checksum(base) == Checksum(changed) {
				t.Fatalf("checksum ignored a %s change", tt.name)
			}
		})
	}

	// Fields outside the identity triple do not affect the checksum.
	same := base[0]
	same.IsOnline = true
	same.Metadata = map[string]string{"name": "Alice"}
	if Checksum(base) != Checksum([]Entry{same}) {
		t.Fatalf("checksum covers more than nodeId:stationId:lastSeen")
	}
}

func TestEntryLiveAt(t *testing.T) {
	t.Parallel()
	now := time.Now()
	e := Entry{LastSeen: now.UnixMilli(), TTL: 60}

	if !e.LiveAt(now) {
		t.Fatalf("fresh entry reported dead")
	}
	if !e.LiveAt(now.Add(60 * time.Second)) {
		t.Fatalf("entry at exactly lastSeen+ttl reported dead")
	}
	if e.LiveAt(now.Add(61 * time.Second)) {
		t.Fatalf("entry past its ttl reported live")
	}
}

func TestStrategyValid(t *testing.T) {
	t.Parallel()
	for _, s := range []Strategy{StrategyLatest, StrategyStationPriority, StrategyFirstSeen} {
		if !s.Valid() {
			t.Fatalf("%s reported invalid", s)
		}
	}
	if Strategy("coin_flip").Valid() {
		t.Fatalf("unknown strategy reported valid")
	}
}
