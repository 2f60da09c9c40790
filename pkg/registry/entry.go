// Package registry replicates nodeId to stationId bindings across the
// bridge. Each station broadcasts its own rows periodically; remote rows
// are ingested with conflict resolution and expire by TTL.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Entry is one node binding. Uniqueness key is (NodeID, StationID);
// rows are mutated only by their owning station.
type Entry struct {
	NodeID    int64             `json:"nodeId"`
	StationID string            `json:"stationId"`
	LastSeen  int64             `json:"lastSeen"` // unix ms
	IsOnline  bool              `json:"isOnline"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TTL       int64             `json:"ttl"` // seconds
}

// LiveAt reports whether the row is inside its TTL at the given time.
func (e Entry) LiveAt(now time.Time) bool {
	return now.UnixMilli() <= e.LastSeen+e.TTL*1000
}

// Name returns the display name carried in the metadata, if any.
func (e Entry) Name() string {
	return e.Metadata["name"]
}

// Strategy selects the winner between two live rows claiming the same
// node under different stations.
type Strategy string

const (
	// StrategyLatest keeps the row with the larger lastSeen; ties keep
	// the existing row.
	StrategyLatest Strategy = "latest"
	// StrategyStationPriority keeps the local station's row. When
	// neither row is local it falls back to latest.
	StrategyStationPriority Strategy = "station_priority"
	// StrategyFirstSeen keeps the row with the smaller lastSeen.
	StrategyFirstSeen Strategy = "first_seen"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLatest, StrategyStationPriority, StrategyFirstSeen:
		return true
	}
	return false
}

// ConflictRecord is one append-only audit row: the two rows that
// claimed the same node, and which one survived.
type ConflictRecord struct {
	NodeID      int64    `json:"nodeId"`
	Conflicting []Entry  `json:"conflictingEntries"`
	Resolved    Entry    `json:"resolvedEntry"`
	Strategy    Strategy `json:"strategy"`
	Timestamp   int64    `json:"timestamp"` // unix ms
}

// Checksum returns the first 16 hex characters of SHA-256 over the
// entries' nodeId:stationId:lastSeen triples, pipe-joined in
// (nodeId, stationId) order. Recipients compare it to short-circuit
// sync processing.
func Checksum(entries []Entry) string {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].NodeID != sorted[j].NodeID {
			return sorted[i].NodeID < sorted[j].NodeID
		}
		return sorted[i].StationID < sorted[j].StationID
	})
	parts := make([]string, len(sorted))
	for i, e := range sorted {
		parts[i] = fmt.Sprintf("%d:%s:%d", e.NodeID, e.StationID, e.LastSeen)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}
