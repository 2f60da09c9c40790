package registry

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound reports a lookup miss.
var ErrNotFound = errors.New("node not found")

// Store persists node rows and the conflict audit. Expired rows are
// invisible to every query; CleanupExpired purges them physically.
type Store interface {
	// Upsert inserts the row or replaces the existing one with the
	// same (nodeId, stationId).
	Upsert(e Entry) error
	// Get returns the live row for exactly (nodeId, stationId).
	Get(nodeID int64, stationID string) (*Entry, error)
	// FindNode returns the live row for nodeId with the largest
	// lastSeen; ties go to the lexicographically smaller stationId.
	FindNode(nodeID int64) (*Entry, error)
	// NodesByStation lists live rows for one station, or all stations
	// when stationID is empty.
	NodesByStation(stationID string) ([]Entry, error)
	// Remove deletes live rows for nodeId, optionally narrowed to one
	// station, and returns how many were deleted.
	Remove(nodeID int64, stationID string) (int, error)
	// RemoveStation deletes every row owned by a station.
	RemoveStation(stationID string) (int, error)
	// CleanupExpired purges rows past their TTL.
	CleanupExpired() (int, error)
	RecordConflict(c ConflictRecord) error
	ConflictsSince(since time.Time) ([]ConflictRecord, error)
	PruneConflicts(maxAge time.Duration) (int, error)
	Close() error
}

// MemoryStore keeps everything in process memory. It backs local
// testing and the unit tests; production stations use the LevelDB
// store.
type MemoryStore struct {
	mu        sync.RWMutex
	nodes     map[int64]map[string]Entry
	conflicts []ConflictRecord
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[int64]map[string]Entry)}
}

func (s *MemoryStore) Upsert(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.nodes[e.NodeID]
	if !ok {
		rows = make(map[string]Entry)
		s.nodes[e.NodeID] = rows
	}
	rows[e.StationID] = e
	return nil
}

func (s *MemoryStore) Get(nodeID int64, stationID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.nodes[nodeID][stationID]
	if !ok || !e.LiveAt(time.Now()) {
		return nil, ErrNotFound
	}
	out := e
	return &out, nil
}

func (s *MemoryStore) FindNode(nodeID int64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	best := bestRow(s.nodes[nodeID], time.Now())
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// bestRow picks the live row with the largest lastSeen, ties broken by
// the smaller stationId.
func bestRow(rows map[string]Entry, now time.Time) *Entry {
	var best *Entry
	for _, e := range rows {
		if !e.LiveAt(now) {
			continue
		}
		if best == nil || e.LastSeen > best.LastSeen ||
			(e.LastSeen == best.LastSeen && e.StationID < best.StationID) {
			row := e
			best = &row
		}
	}
	return best
}

func (s *MemoryStore) NodesByStation(stationID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var out []Entry
	for _, rows := range s.nodes {
		for _, e := range rows {
			if !e.LiveAt(now) {
				continue
			}
			if stationID != "" && e.StationID != stationID {
				continue
			}
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].NodeID != entries[j].NodeID {
			return entries[i].NodeID < entries[j].NodeID
		}
		return entries[i].StationID < entries[j].StationID
	})
}

func (s *MemoryStore) Remove(nodeID int64, stationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for station, e := range s.nodes[nodeID] {
		if stationID != "" && station != stationID {
			continue
		}
		if !e.LiveAt(now) {
			continue
		}
		delete(s.nodes[nodeID], station)
		removed++
	}
	if len(s.nodes[nodeID]) == 0 {
		delete(s.nodes, nodeID)
	}
	return removed, nil
}

func (s *MemoryStore) RemoveStation(stationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for nodeID, rows := range s.nodes {
		if _, ok := rows[stationID]; ok {
			delete(rows, stationID)
			removed++
		}
		if len(rows) == 0 {
			delete(s.nodes, nodeID)
		}
	}
	return removed, nil
}

func (s *MemoryStore) CleanupExpired() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	purged := 0
	for nodeID, rows := range s.nodes {
		for station, e := range rows {
			if e.LiveAt(now) {
				continue
			}
			delete(rows, station)
			purged++
		}
		if len(rows) == 0 {
			delete(s.nodes, nodeID)
		}
	}
	return purged, nil
}

func (s *MemoryStore) RecordConflict(c ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, c)
	return nil
}

func (s *MemoryStore) ConflictsSince(since time.Time) ([]ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConflictRecord
	for _, c := range s.conflicts {
		if c.Timestamp >= since.UnixMilli() {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneConflicts(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	kept := s.conflicts[:0]
	pruned := 0
	for _, c := range s.conflicts {
		if c.Timestamp < cutoff {
			pruned++
			continue
		}
		kept = append(kept, c)
	}
	s.conflicts = kept
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }
