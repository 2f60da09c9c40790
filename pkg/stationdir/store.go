// Package stationdir implements the reference directory service: the
// HTTP API stations register against and poll for peers, backed by a
// Redis station-record store with per-key TTL.
package stationdir

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefixStation = "sd:station:"

	// DefaultRecordTTL is how long a station record survives without a
	// heartbeat before Redis expires it. Stale-but-unexpired records are
	// additionally filtered by the API's activity window.
	DefaultRecordTTL = 30 * time.Minute
)

// Record is one station's directory entry. The contact envelope is
// opaque to the directory; only members of the network can decrypt it.
type Record struct {
	StationID            string `json:"station_id"`
	EncryptedContactInfo string `json:"encrypted_contact_info"`
	PublicKey            string `json:"public_key"`
	LastSeen             int64  `json:"last_seen"` // unix seconds
}

// Store persists station records.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, stationID string) error
	Close() error
}

// RedisStore keeps station records as JSON values under sd:station:<id>
// with a per-key TTL, so crashed stations age out without a reaper.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		ReadTimeout:  200 * time.Millisecond,
		WriteTimeout: 200 * time.Millisecond,
		DialTimeout:  2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

func (s *RedisStore) Upsert(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal station record: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefixStation+rec.StationID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store station record: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Record, error) {
	var records []Record

	iter := s.rdb.Scan(ctx, 0, keyPrefixStation+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("get station record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue // skip corrupt rows rather than failing the listing
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan station records: %w", err)
	}
	return records, nil
}

func (s *RedisStore) Delete(ctx context.Context, stationID string) error {
	if err := s.rdb.Del(ctx, keyPrefixStation+stationID).Err(); err != nil {
		return fmt.Errorf("delete station record: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// MemoryStore is an in-process Store for tests and single-node setups
// without Redis.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.StationID] = rec
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records, nil
}

func (s *MemoryStore) Delete(_ context.Context, stationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, stationID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
