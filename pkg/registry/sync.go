package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/protocol"
)

// SyncMessage carries one station's rows to its peers.
type SyncMessage struct {
	Type      string  `json:"type"`
	Version   int64   `json:"version"`
	StationID string  `json:"stationId"`
	Nodes     []Entry `json:"nodes"`
	Timestamp int64   `json:"timestamp"`
	Checksum  string  `json:"checksum"`
}

// QueryMessage asks peers whether any of them knows a node.
type QueryMessage struct {
	Type            string `json:"type"`
	TargetNodeID    int64  `json:"targetNodeId"`
	SourceStationID string `json:"sourceStationId"`
	Timestamp       int64  `json:"timestamp"`
}

// QueryResponseMessage answers a node query. StationID names the
// station that owns the node, not the responder.
type QueryResponseMessage struct {
	Type         string `json:"type"`
	TargetNodeID int64  `json:"targetNodeId"`
	Found        bool   `json:"found"`
	StationID    string `json:"stationId,omitempty"`
	LastSeen     int64  `json:"lastSeen,omitempty"`
	IsOnline     bool   `json:"isOnline,omitempty"`
}

// HandleSystemMessage ingests registry traffic delivered by the
// bridge. Subtypes the registry does not own are ignored.
func (r *Registry) HandleSystemMessage(subtype, data, from string) {
	switch subtype {
	case protocol.SystemRegistrySync:
		r.handleSync(data, from)
	case protocol.SystemNodeQuery:
		r.handleQuery(data, from)
	case protocol.SystemNodeQueryResponse:
		r.handleQueryResponse(data, from)
	}
}

func (r *Registry) handleSync(data, from string) {
	var sm SyncMessage
	if err := json.Unmarshal([]byte(data), &sm); err != nil {
		log.Printf("[Registry] Dropping malformed sync from %s: %v", from, err)
		return
	}
	if sm.StationID == r.cfg.StationID {
		return
	}
	if sm.Checksum != "" && Checksum(sm.Nodes) != sm.Checksum {
		log.Printf("[Registry] Dropping sync from %s: checksum mismatch", from)
		return
	}

	added, updated, conflicts := r.IngestRemoteRows(sm.Nodes)
	if added > 0 || updated > 0 || conflicts > 0 {
		log.Printf("[Registry] Sync from %s (v%d): %d added, %d updated, %d conflicts",
			sm.StationID, sm.Version, added, updated, conflicts)
	}
}

// IngestRemoteRows applies rows learned from another station, running
// conflict resolution against what is already stored. Rows claiming
// this station are skipped; nobody else speaks for our own nodes.
func (r *Registry) IngestRemoteRows(rows []Entry) (added, updated, conflicts int) {
	for _, row := range rows {
		if row.StationID == r.cfg.StationID {
			continue
		}
		if row.TTL <= 0 {
			row.TTL = r.cfg.NodeTTL
		}
		switch r.ingestRow(row) {
		case ingestAdded:
			added++
		case ingestUpdated:
			updated++
		case ingestConflict:
			conflicts++
		}
	}
	return added, updated, conflicts
}

type ingestResult int

const (
	ingestNoop ingestResult = iota
	ingestAdded
	ingestUpdated
	ingestConflict
)

func (r *Registry) ingestRow(row Entry) ingestResult {
	best, err := r.cfg.Store.FindNode(row.NodeID)
	if err == nil && best.StationID != row.StationID {
		r.resolveConflict(*best, row)
		return ingestConflict
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("[Registry] Ingest lookup for node %d failed: %v", row.NodeID, err)
		return ingestNoop
	}

	_, getErr := r.cfg.Store.Get(row.NodeID, row.StationID)
	if err := r.cfg.Store.Upsert(row); err != nil {
		log.Printf("[Registry] Ingest of node %d failed: %v", row.NodeID, err)
		return ingestNoop
	}
	if errors.Is(getErr, ErrNotFound) {
		metricNodes.Add(context.Background(), 1)
		r.emit(Event{EventNodeAdded, row})
		return ingestAdded
	}
	r.emit(Event{EventNodeUpdated, row})
	return ingestUpdated
}

// resolveConflict settles two stations both claiming one node id. The
// loser's row is discarded, the winner's is upserted, and both sides
// land in the conflict audit.
func (r *Registry) resolveConflict(existing, incoming Entry) {
	winner := r.pickWinner(existing, incoming)
	loser := existing
	if winner.StationID == existing.StationID {
		loser = incoming
	}

	removed, err := r.cfg.Store.Remove(loser.NodeID, loser.StationID)
	if err != nil {
		log.Printf("[Registry] Conflict removal for node %d failed: %v", loser.NodeID, err)
		return
	}
	_, gerr := r.cfg.Store.Get(winner.NodeID, winner.StationID)
	winnerStored := gerr == nil
	if err := r.cfg.Store.Upsert(winner); err != nil {
		log.Printf("[Registry] Conflict upsert for node %d failed: %v", winner.NodeID, err)
		return
	}
	if !winnerStored {
		metricNodes.Add(context.Background(), 1)
	}
	if removed > 0 {
		metricNodes.Add(context.Background(), int64(-removed))
	}

	rec := ConflictRecord{
		NodeID:      existing.NodeID,
		Conflicting: []Entry{existing, incoming},
		Resolved:    winner,
		Strategy:    r.cfg.Strategy,
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := r.cfg.Store.RecordConflict(rec); err != nil {
		log.Printf("[Registry] Conflict audit for node %d failed: %v", rec.NodeID, err)
	}
	metricConflicts.Add(context.Background(), 1)
	log.Printf("[Registry] Conflict on node %d: %s vs %s, %s wins (%s)",
		existing.NodeID, existing.StationID, incoming.StationID, winner.StationID, r.cfg.Strategy)
	if r.onConflict != nil {
		r.onConflict(rec)
	}
}

func (r *Registry) pickWinner(existing, incoming Entry) Entry {
	switch r.cfg.Strategy {
	case StrategyStationPriority:
		if existing.StationID == r.cfg.StationID {
			return existing
		}
		if incoming.StationID == r.cfg.StationID {
			return incoming
		}
	case StrategyFirstSeen:
		if incoming.LastSeen < existing.LastSeen {
			return incoming
		}
		return existing
	}
	// StrategyLatest, and the fallback when neither side is local.
	if incoming.LastSeen > existing.LastSeen {
		return incoming
	}
	return existing
}

func (r *Registry) handleQuery(data, from string) {
	var q QueryMessage
	if err := json.Unmarshal([]byte(data), &q); err != nil {
		log.Printf("[Registry] Dropping malformed node query from %s: %v", from, err)
		return
	}
	if q.SourceStationID == r.cfg.StationID {
		return
	}

	resp := QueryResponseMessage{
		Type:         protocol.SystemNodeQueryResponse,
		TargetNodeID: q.TargetNodeID,
	}
	if e, err := r.cfg.Store.FindNode(q.TargetNodeID); err == nil {
		resp.Found = true
		resp.StationID = e.StationID
		resp.LastSeen = e.LastSeen
		resp.IsOnline = e.IsOnline
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.QueryTimeout)
	defer cancel()
	if err := r.cfg.Bridge.SendSystemMessage(ctx, from, resp); err != nil {
		log.Printf("[Registry] Query response to %s failed: %v", from, err)
	}
}

func (r *Registry) handleQueryResponse(data, from string) {
	var resp QueryResponseMessage
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		log.Printf("[Registry] Dropping malformed query response from %s: %v", from, err)
		return
	}
	// Negative responses never resolve a waiter; the timeout covers
	// the case where nobody knows the node.
	if !resp.Found {
		return
	}

	entry := &Entry{
		NodeID:    resp.TargetNodeID,
		StationID: resp.StationID,
		LastSeen:  resp.LastSeen,
		IsOnline:  resp.IsOnline,
	}

	r.mu.Lock()
	waiters := r.waiters[resp.TargetNodeID]
	delete(r.waiters, resp.TargetNodeID)
	r.mu.Unlock()

	for _, ch := range waiters {
		e := *entry
		select {
		case ch <- &e:
		default:
		}
	}
}
