package rpc

import (
	"time"
)

// JSON-RPC 2.0 protocol structures

// Request represents a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string                 `json:"jsonrpc"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	ID      interface{}            `json:"id"`
}

// Response represents a JSON-RPC 2.0 response
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// PeerInfo represents a remote station in RPC responses
type PeerInfo struct {
	StationID string `json:"station_id"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	Transport string `json:"transport,omitempty"`
	LastSeen  string `json:"last_seen"` // ISO 8601 format
}

// PeersListResult represents the result of peers.list
type PeersListResult struct {
	Peers []*PeerInfo `json:"peers"`
}

// NodeInfo represents a registry row in RPC responses
type NodeInfo struct {
	NodeID    int64  `json:"node_id"`
	StationID string `json:"station_id"`
	Name      string `json:"name,omitempty"`
	LastSeen  string `json:"last_seen"` // ISO 8601 format
	Online    bool   `json:"online"`
	TTL       int64  `json:"ttl"`
	Local     bool   `json:"local"`
}

// NodesListResult represents the result of nodes.list
type NodesListResult struct {
	Nodes []*NodeInfo `json:"nodes"`
}

// ConflictInfo represents a registry conflict audit row
type ConflictInfo struct {
	NodeID        int64  `json:"node_id"`
	Strategy      string `json:"strategy"`
	WinnerStation string `json:"winner_station"`
	Timestamp     string `json:"timestamp"` // ISO 8601 format
}

// ConflictsResult represents the result of registry.conflicts
type ConflictsResult struct {
	Conflicts []*ConflictInfo `json:"conflicts"`
}

// StatusResult represents the result of status.get
type StatusResult struct {
	StationID        string        `json:"station_id"`
	DisplayName      string        `json:"display_name"`
	Uptime           time.Duration `json:"uptime"`
	ConnectedPeers   int           `json:"connected_peers"`
	KnownPeers       int           `json:"known_peers"`
	LocalNodes       int           `json:"local_nodes"`
	RemoteNodes      int           `json:"remote_nodes"`
	MessagesSent     int64         `json:"messages_sent"`
	MessagesReceived int64         `json:"messages_received"`
	Version          string        `json:"version"`
}

// SendResult represents the result of message.send
type SendResult struct {
	Sent      bool   `json:"sent"`
	MessageID string `json:"message_id,omitempty"`
}

// DaemonPingResult represents the result of daemon.ping
type DaemonPingResult struct {
	Pong    bool   `json:"pong"`
	Version string `json:"version"`
}
