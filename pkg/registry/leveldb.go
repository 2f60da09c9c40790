package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout: node rows under "n:", conflict audit under "c:". The
// zero-padded ids keep iteration ordered by nodeId and, for conflicts,
// by timestamp.
const (
	nodePrefix     = "n:"
	conflictPrefix = "c:"
)

func nodeKey(nodeID int64, stationID string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", nodePrefix, nodeID, stationID))
}

func nodeIDPrefix(nodeID int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:", nodePrefix, nodeID))
}

func conflictKey(timestampMs int64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", conflictPrefix, timestampMs, uuid.NewString()))
}

// LevelDBStore persists rows in a single LevelDB database file.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens (or creates) the registry database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error { return s.db.Close() }

func (s *LevelDBStore) Upsert(e Entry) error {
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return s.db.Put(nodeKey(e.NodeID, e.StationID), val, nil)
}

func (s *LevelDBStore) Get(nodeID int64, stationID string) (*Entry, error) {
	val, err := s.db.Get(nodeKey(nodeID, stationID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(val, &e); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	if !e.LiveAt(time.Now()) {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (s *LevelDBStore) FindNode(nodeID int64) (*Entry, error) {
	now := time.Now()
	var best *Entry

	iter := s.db.NewIterator(util.BytesPrefix(nodeIDPrefix(nodeID)), nil)
	defer iter.Release()
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			log.Printf("[Registry] Skipping corrupt row %s: %v", iter.Key(), err)
			continue
		}
		if !e.LiveAt(now) {
			continue
		}
		if best == nil || e.LastSeen > best.LastSeen ||
			(e.LastSeen == best.LastSeen && e.StationID < best.StationID) {
			row := e
			best = &row
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (s *LevelDBStore) NodesByStation(stationID string) ([]Entry, error) {
	now := time.Now()
	var out []Entry

	iter := s.db.NewIterator(util.BytesPrefix([]byte(nodePrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			log.Printf("[Registry] Skipping corrupt row %s: %v", iter.Key(), err)
			continue
		}
		if !e.LiveAt(now) {
			continue
		}
		if stationID != "" && e.StationID != stationID {
			continue
		}
		out = append(out, e)
	}
	return out, iter.Error()
}

func (s *LevelDBStore) Remove(nodeID int64, stationID string) (int, error) {
	if stationID != "" {
		if _, err := s.Get(nodeID, stationID); errors.Is(err, ErrNotFound) {
			return 0, nil
		} else if err != nil {
			return 0, err
		}
		if err := s.db.Delete(nodeKey(nodeID, stationID), nil); err != nil {
			return 0, err
		}
		return 1, nil
	}

	now := time.Now()
	batch := new(leveldb.Batch)
	removed := 0

	iter := s.db.NewIterator(util.BytesPrefix(nodeIDPrefix(nodeID)), nil)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil || !e.LiveAt(now) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		removed++
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func (s *LevelDBStore) RemoveStation(stationID string) (int, error) {
	batch := new(leveldb.Batch)
	removed := 0

	iter := s.db.NewIterator(util.BytesPrefix([]byte(nodePrefix)), nil)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		if e.StationID != stationID {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		removed++
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return removed, nil
}

func (s *LevelDBStore) CleanupExpired() (int, error) {
	now := time.Now()
	batch := new(leveldb.Batch)
	purged := 0

	iter := s.db.NewIterator(util.BytesPrefix([]byte(nodePrefix)), nil)
	for iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err == nil && e.LiveAt(now) {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		purged++
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return purged, nil
}

func (s *LevelDBStore) RecordConflict(c ConflictRecord) error {
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conflict: %w", err)
	}
	return s.db.Put(conflictKey(c.Timestamp), val, nil)
}

func (s *LevelDBStore) ConflictsSince(since time.Time) ([]ConflictRecord, error) {
	var out []ConflictRecord
	sinceMs := since.UnixMilli()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(conflictPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var c ConflictRecord
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			log.Printf("[Registry] Skipping corrupt conflict %s: %v", iter.Key(), err)
			continue
		}
		if c.Timestamp >= sinceMs {
			out = append(out, c)
		}
	}
	return out, iter.Error()
}

func (s *LevelDBStore) PruneConflicts(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	batch := new(leveldb.Batch)
	pruned := 0

	iter := s.db.NewIterator(util.BytesPrefix([]byte(conflictPrefix)), nil)
	for iter.Next() {
		var c ConflictRecord
		if err := json.Unmarshal(iter.Value(), &c); err == nil && c.Timestamp >= cutoff {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		pruned++
	}
	err := iter.Error()
	iter.Release()
	if err != nil {
		return 0, err
	}
	if pruned > 0 {
		if err := s.db.Write(batch, nil); err != nil {
			return 0, err
		}
	}
	return pruned, nil
}
