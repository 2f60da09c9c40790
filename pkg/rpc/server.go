package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PeerData represents a remote station for RPC
type PeerData struct {
	StationID string
	Address   string
	Connected bool
	Transport string
	LastSeen  time.Time
}

// NodeData represents a registry row for RPC
type NodeData struct {
	NodeID    int64
	StationID string
	Name      string
	LastSeen  time.Time
	Online    bool
	TTL       int64
	Local     bool
}

// ConflictData represents a registry conflict audit row for RPC
type ConflictData struct {
	NodeID        int64
	Strategy      string
	WinnerStation string
	Timestamp     time.Time
}

// StatusData represents daemon status for RPC
type StatusData struct {
	StationID        string
	DisplayName      string
	Uptime           time.Duration
	ConnectedPeers   int
	KnownPeers       int
	LocalNodes       int
	RemoteNodes      int
	MessagesSent     int64
	MessagesReceived int64
}

// ServerConfig configures the RPC server with callback functions
type ServerConfig struct {
	SocketPath   string
	Version      string
	GetStatus    func() *StatusData
	GetPeers     func() []*PeerData
	GetNodes     func() []*NodeData
	GetConflicts func() []*ConflictData
	SendMessage  func(target string, toNode int64, text string) (messageID string, err error)
}

// Server implements an RPC server using Unix domain sockets
type Server struct {
	socketPath     string
	listener       net.Listener
	version        string
	ctx            context.Context
	cancel         context.CancelFunc
	getStatusFn    func() *StatusData
	getPeersFn     func() []*PeerData
	getNodesFn     func() []*NodeData
	getConflictsFn func() []*ConflictData
	sendMessageFn  func(target string, toNode int64, text string) (string, error)
}

// NewServer creates a new RPC server
func NewServer(config ServerConfig) (*Server, error) {
	// Remove existing socket if it exists
	if _, err := os.Stat(config.SocketPath); err == nil {
		if err := os.Remove(config.SocketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	// Ensure directory exists
	dir := filepath.Dir(config.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		socketPath:     config.SocketPath,
		version:        config.Version,
		ctx:            ctx,
		cancel:         cancel,
		getStatusFn:    config.GetStatus,
		getPeersFn:     config.GetPeers,
		getNodesFn:     config.GetNodes,
		getConflictsFn: config.GetConflicts,
		sendMessageFn:  config.SendMessage,
	}

	return s, nil
}

// Start starts the RPC server
func (s *Server) Start() error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to 0600 (owner only)
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	log.Printf("[RPC] server listening on %s", s.socketPath)

	// Accept connections
	go s.acceptLoop()

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[RPC] accept error: %v", err)
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

// handleConnection handles a single connection
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()

		// Parse request
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			resp := &Response{
				JSONRPC: "2.0",
				Error: &Error{
					Code:    ErrCodeParseError,
					Message: fmt.Sprintf("failed to parse request: %v", err),
				},
				ID: nil,
			}
			s.writeResponse(writer, resp)
			continue
		}

		// Handle request
		resp := s.handleRequest(&req)
		s.writeResponse(writer, resp)
	}

	if err := scanner.Err(); err != nil {
		log.Printf("[RPC] connection error: %v", err)
	}
}

// writeResponse writes a response to the connection
func (s *Server) writeResponse(w *bufio.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[RPC] failed to encode response: %v", err)
		return
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		log.Printf("[RPC] failed to write response: %v", err)
		return
	}

	if err := w.Flush(); err != nil {
		log.Printf("[RPC] failed to flush response: %v", err)
	}
}

// handleRequest handles a single RPC request
func (s *Server) handleRequest(req *Request) *Response {
	resp := &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		resp.Error = &Error{
			Code:    ErrCodeInvalidRequest,
			Message: "invalid jsonrpc version, must be 2.0",
		}
		return resp
	}

	// Dispatch to handler
	switch req.Method {
	case "status.get":
		result, err := s.handleStatusGet(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "peers.list":
		result, err := s.handlePeersList(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "nodes.list":
		result, err := s.handleNodesList(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "registry.conflicts":
		result, err := s.handleConflicts(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "message.send":
		result, err := s.handleMessageSend(req.Params)
		if err != nil {
			resp.Error = err
		} else {
			resp.Result = result
		}

	case "daemon.ping":
		resp.Result = &DaemonPingResult{Pong: true, Version: s.version}

	default:
		resp.Error = &Error{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		}
	}

	return resp
}

// handleStatusGet implements status.get
func (s *Server) handleStatusGet(params map[string]interface{}) (*StatusResult, *Error) {
	status := s.getStatusFn()
	if status == nil {
		return nil, &Error{
			Code:    ErrCodeInternalError,
			Message: "station not initialized yet",
		}
	}

	return &StatusResult{
		StationID:        status.StationID,
		DisplayName:      status.DisplayName,
		Uptime:           status.Uptime,
		ConnectedPeers:   status.ConnectedPeers,
		KnownPeers:       status.KnownPeers,
		LocalNodes:       status.LocalNodes,
		RemoteNodes:      status.RemoteNodes,
		MessagesSent:     status.MessagesSent,
		MessagesReceived: status.MessagesReceived,
		Version:          s.version,
	}, nil
}

// handlePeersList implements peers.list
func (s *Server) handlePeersList(params map[string]interface{}) (*PeersListResult, *Error) {
	peers := s.getPeersFn()

	result := &PeersListResult{
		Peers: make([]*PeerInfo, 0, len(peers)),
	}

	for _, peer := range peers {
		result.Peers = append(result.Peers, &PeerInfo{
			StationID: peer.StationID,
			Address:   peer.Address,
			Connected: peer.Connected,
			Transport: peer.Transport,
			LastSeen:  peer.LastSeen.Format(time.RFC3339),
		})
	}

	return result, nil
}

// handleNodesList implements nodes.list
func (s *Server) handleNodesList(params map[string]interface{}) (*NodesListResult, *Error) {
	nodes := s.getNodesFn()

	result := &NodesListResult{
		Nodes: make([]*NodeInfo, 0, len(nodes)),
	}

	for _, n := range nodes {
		result.Nodes = append(result.Nodes, &NodeInfo{
			NodeID:    n.NodeID,
			StationID: n.StationID,
			Name:      n.Name,
			LastSeen:  n.LastSeen.Format(time.RFC3339),
			Online:    n.Online,
			TTL:       n.TTL,
			Local:     n.Local,
		})
	}

	return result, nil
}

// handleConflicts implements registry.conflicts
func (s *Server) handleConflicts(params map[string]interface{}) (*ConflictsResult, *Error) {
	conflicts := s.getConflictsFn()

	result := &ConflictsResult{
		Conflicts: make([]*ConflictInfo, 0, len(conflicts)),
	}

	for _, c := range conflicts {
		result.Conflicts = append(result.Conflicts, &ConflictInfo{
			NodeID:        c.NodeID,
			Strategy:      c.Strategy,
			WinnerStation: c.WinnerStation,
			Timestamp:     c.Timestamp.Format(time.RFC3339),
		})
	}

	return result, nil
}

// handleMessageSend implements message.send
func (s *Server) handleMessageSend(params map[string]interface{}) (*SendResult, *Error) {
	target, ok := params["target"].(string)
	if !ok || target == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'target' parameter",
		}
	}
	text, ok := params["text"].(string)
	if !ok || text == "" {
		return nil, &Error{
			Code:    ErrCodeInvalidParams,
			Message: "missing or invalid 'text' parameter",
		}
	}
	var toNode int64
	if v, ok := params["to_node"].(float64); ok {
		toNode = int64(v)
	}

	msgID, err := s.sendMessageFn(target, toNode, text)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternalError,
			Message: err.Error(),
		}
	}

	return &SendResult{Sent: true, MessageID: msgID}, nil
}

// Stop stops the RPC server
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	// Remove socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket: %w", err)
	}

	log.Printf("[RPC] server stopped")
	return nil
}

// GetSocketPath determines the appropriate socket path
func GetSocketPath() string {
	// Check environment variable first
	if path := os.Getenv("STATIONBRIDGE_SOCKET"); path != "" {
		return path
	}

	// Try /var/run (requires root)
	if IsWritable("/var/run") {
		return "/var/run/stationbridge.sock"
	}

	// Fallback to XDG_RUNTIME_DIR for non-root
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "stationbridge.sock")
	}

	// Last resort: /tmp
	return "/tmp/stationbridge.sock"
}

// IsWritable checks if a directory is writable
func IsWritable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	if !info.IsDir() {
		return false
	}

	// Try to create a temporary file
	testFile := filepath.Join(path, ".stationbridge-test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)

	return true
}

// FormatSocketPath formats a socket path for display, shortening home directory
func FormatSocketPath(path string) string {
	home, err := os.UserHomeDir()
	if err == nil && strings.HasPrefix(path, home) {
		return "~" + strings.TrimPrefix(path, home)
	}
	return path
}
