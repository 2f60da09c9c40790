package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/protocol"
)

const (
	DefaultSyncInterval    = 30 * time.Second
	DefaultCleanupInterval = 60 * time.Second
	DefaultQueryTimeout    = 5 * time.Second

	// DefaultNodeTTLSeconds is the liveness window for locally
	// registered nodes. Remote rows keep the TTL their owner set.
	DefaultNodeTTLSeconds = 3600

	// conflictRetention bounds the audit log by age.
	conflictRetention = 24 * time.Hour
)

// Broadcaster sends registry traffic to peers. *bridge.Client
// implements it.
type Broadcaster interface {
	SendSystemMessage(ctx context.Context, target string, payload any) error
	BroadcastSystemMessage(ctx context.Context, payload any) error
}

// Config carries the registry dependencies and tuning.
type Config struct {
	StationID       string
	Store           Store
	Bridge          Broadcaster
	Strategy        Strategy
	SyncInterval    time.Duration
	CleanupInterval time.Duration
	QueryTimeout    time.Duration
	NodeTTL         int64 // seconds, for local registrations
}

func (c Config) withDefaults() Config {
	if !c.Strategy.Valid() {
		c.Strategy = StrategyLatest
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = DefaultQueryTimeout
	}
	if c.NodeTTL <= 0 {
		c.NodeTTL = DefaultNodeTTLSeconds
	}
	return c
}

// EventType classifies registry mutations.
type EventType string

const (
	EventNodeAdded   EventType = "node_added"
	EventNodeUpdated EventType = "node_updated"
	EventNodeRemoved EventType = "node_removed"
)

// Event reports one registry mutation.
type Event struct {
	Type  EventType
	Entry Entry
}

// Registry owns the node store, the periodic sync and cleanup timers,
// and the query/response correlation.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	version int64
	waiters map[int64][]chan *Entry

	onEvent    func(Event)
	onConflict func(ConflictRecord)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a registry around a store and a bridge.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg.withDefaults(),
		waiters: make(map[int64][]chan *Entry),
	}
}

// OnEvent installs the mutation callback. Install before Start.
func (r *Registry) OnEvent(fn func(Event)) { r.onEvent = fn }

// OnConflict installs the conflict callback. Install before Start.
func (r *Registry) OnConflict(fn func(ConflictRecord)) { r.onConflict = fn }

// Start arms the sync and cleanup timers.
func (r *Registry) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.SyncNow(r.ctx)
			}
		}
	}()
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()

	log.Printf("[Registry] Started (sync %s, cleanup %s, strategy %s)",
		r.cfg.SyncInterval, r.cfg.CleanupInterval, r.cfg.Strategy)
}

// Stop stops the timers. Data stays persisted; the store is closed by
// its owner.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		log.Printf("[Registry] Stopped")
	})
}

// Version returns the local registry version, bumped by every local
// mutation.
func (r *Registry) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Registry) bumpVersion() {
	r.mu.Lock()
	r.version++
	r.mu.Unlock()
}

func (r *Registry) emit(ev Event) {
	if r.onEvent != nil {
		r.onEvent(ev)
	}
}

// RegisterLocalNode records a node attached to this station's radio.
func (r *Registry) RegisterLocalNode(nodeID int64, metadata map[string]string) error {
	e := Entry{
		NodeID:    nodeID,
		StationID: r.cfg.StationID,
		LastSeen:  time.Now().UnixMilli(),
		IsOnline:  true,
		Metadata:  metadata,
		TTL:       r.cfg.NodeTTL,
	}
	fresh := false
	if _, err := r.cfg.Store.Get(nodeID, r.cfg.StationID); errors.Is(err, ErrNotFound) {
		fresh = true
	}
	if err := r.cfg.Store.Upsert(e); err != nil {
		return err
	}
	r.bumpVersion()
	if fresh {
		metricNodes.Add(context.Background(), 1)
		r.emit(Event{EventNodeAdded, e})
	} else {
		r.emit(Event{EventNodeUpdated, e})
	}
	return nil
}

// UpdateLocalNode refreshes a local node's liveness and metadata. Rows
// owned by another station are left alone.
func (r *Registry) UpdateLocalNode(nodeID int64, metadata map[string]string) error {
	existing, err := r.cfg.Store.Get(nodeID, r.cfg.StationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	e := *existing
	e.LastSeen = time.Now().UnixMilli()
	e.IsOnline = true
	if e.Metadata == nil && len(metadata) > 0 {
		e.Metadata = make(map[string]string, len(metadata))
	}
	for k, v := range metadata {
		e.Metadata[k] = v
	}
	if err := r.cfg.Store.Upsert(e); err != nil {
		return err
	}
	r.bumpVersion()
	r.emit(Event{EventNodeUpdated, e})
	return nil
}

// RemoveLocalNode deletes a local node row.
func (r *Registry) RemoveLocalNode(nodeID int64) error {
	existing, err := r.cfg.Store.Get(nodeID, r.cfg.StationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := r.cfg.Store.Remove(nodeID, r.cfg.StationID); err != nil {
		return err
	}
	r.bumpVersion()
	metricNodes.Add(context.Background(), -1)
	r.emit(Event{EventNodeRemoved, *existing})
	return nil
}

// FindNode returns the best live row for a node, local or remote.
func (r *Registry) FindNode(nodeID int64) (*Entry, error) {
	return r.cfg.Store.FindNode(nodeID)
}

// Nodes lists every live row.
func (r *Registry) Nodes() ([]Entry, error) {
	return r.cfg.Store.NodesByStation("")
}

// LocalNodes lists live rows owned by this station.
func (r *Registry) LocalNodes() ([]Entry, error) {
	return r.cfg.Store.NodesByStation(r.cfg.StationID)
}

// RemoteNodes lists live rows owned by other stations.
func (r *Registry) RemoteNodes() ([]Entry, error) {
	all, err := r.cfg.Store.NodesByStation("")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if e.StationID != r.cfg.StationID {
			out = append(out, e)
		}
	}
	return out, nil
}

// RemoveStationNodes drops every row owned by a station, typically on
// peer loss.
func (r *Registry) RemoveStationNodes(stationID string) (int, error) {
	n, err := r.cfg.Store.RemoveStation(stationID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metricNodes.Add(context.Background(), int64(-n))
		log.Printf("[Registry] Removed %d rows for lost station %s", n, stationID)
	}
	return n, nil
}

// ConflictsSince lists audit rows at or after the given time.
func (r *Registry) ConflictsSince(since time.Time) ([]ConflictRecord, error) {
	return r.cfg.Store.ConflictsSince(since)
}

// QueryNode resolves a node that may live on a station we have not yet
// synced with. A live local row answers immediately; otherwise the
// query is broadcast and the first positive response wins. A nil entry
// with nil error means nobody knows the node.
func (r *Registry) QueryNode(ctx context.Context, nodeID int64) (*Entry, error) {
	if e, err := r.cfg.Store.FindNode(nodeID); err == nil {
		return e, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	ch := make(chan *Entry, 1)
	r.mu.Lock()
	r.waiters[nodeID] = append(r.waiters[nodeID], ch)
	r.mu.Unlock()
	defer r.dropWaiter(nodeID, ch)

	q := QueryMessage{
		Type:            protocol.SystemNodeQuery,
		TargetNodeID:    nodeID,
		SourceStationID: r.cfg.StationID,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := r.cfg.Bridge.BroadcastSystemMessage(ctx, q); err != nil {
		log.Printf("[Registry] Node query broadcast incomplete: %v", err)
	}

	timer := time.NewTimer(r.cfg.QueryTimeout)
	defer timer.Stop()
	select {
	case e := <-ch:
		return e, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) dropWaiter(nodeID int64, ch chan *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[nodeID]
	for i, w := range waiters {
		if w == ch {
			r.waiters[nodeID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[nodeID]) == 0 {
		delete(r.waiters, nodeID)
	}
}

// SyncNow broadcasts the local station's rows to every connected peer.
func (r *Registry) SyncNow(ctx context.Context) {
	rows, err := r.cfg.Store.NodesByStation(r.cfg.StationID)
	if err != nil {
		log.Printf("[Registry] Sync skipped: %v", err)
		return
	}
	sm := SyncMessage{
		Type:      protocol.SystemRegistrySync,
		Version:   r.Version(),
		StationID: r.cfg.StationID,
		Nodes:     rows,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  Checksum(rows),
	}
	if err := r.cfg.Bridge.BroadcastSystemMessage(ctx, sm); err != nil {
		log.Printf("[Registry] Sync broadcast incomplete: %v", err)
	}
}

func (r *Registry) cleanup() {
	purged, err := r.cfg.Store.CleanupExpired()
	if err != nil {
		log.Printf("[Registry] Cleanup failed: %v", err)
		return
	}
	if purged > 0 {
		metricNodes.Add(context.Background(), int64(-purged))
		log.Printf("[Registry] Purged %d expired rows", purged)
	}
	if pruned, err := r.cfg.Store.PruneConflicts(conflictRetention); err != nil {
		log.Printf("[Registry] Conflict prune failed: %v", err)
	} else if pruned > 0 {
		log.Printf("[Registry] Pruned %d old conflict records", pruned)
	}
}
