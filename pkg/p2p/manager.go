// Package p2p implements the station-to-station connection manager. It
// listens for inbound TCP and WebSocket connections, dials outbound
// ones, frames opaque envelopes per peer and surfaces connection
// lifecycle events. Envelope semantics live in higher layers; this
// package moves bytes.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultListenPort        = 8447
	DefaultMaxConnections    = 10
	DefaultConnectionTimeout = 30 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second

	// Idle connections are reaped after missing this many keep-alive
	// intervals.
	keepAliveMissLimit = 3
)

// Config holds the connection manager knobs.
type Config struct {
	ListenPort        int
	MaxConnections    int
	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenPort < 0 {
		c.ListenPort = DefaultListenPort
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	return c
}

// PeerStatus is a point-in-time view of one connection.
type PeerStatus struct {
	ID           string
	Transport    ConnType
	Status       Status
	RemoteAddr   string
	LastActivity time.Time
}

// Manager owns every peer connection. Peers are keyed by station id
// once known; inbound connections carry a provisional id until the
// first envelope identifies them.
type Manager struct {
	cfg Config

	onMessage      func(payload []byte, fromPeer string)
	onConnected    func(peerID string)
	onDisconnected func(peerID, reason string)
	onConnError    func(peerID string, err error)

	mu    sync.RWMutex
	conns map[string]*Conn

	tcpLn    net.Listener
	wsServer *http.Server
	upgrader websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager creates a connection manager. Callbacks must be installed
// before Start.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg.withDefaults(),
		conns: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Stations are not browsers; the origin header carries no
			// trust here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// OnMessage installs the handler for every received frame.
func (m *Manager) OnMessage(fn func(payload []byte, fromPeer string)) { m.onMessage = fn }

// OnPeerConnected installs the handler for new connections, inbound or
// outbound.
func (m *Manager) OnPeerConnected(fn func(peerID string)) { m.onConnected = fn }

// OnPeerDisconnected installs the handler for closed connections.
func (m *Manager) OnPeerDisconnected(fn func(peerID, reason string)) { m.onDisconnected = fn }

// OnConnError installs the handler for connections closed by an error.
func (m *Manager) OnConnError(fn func(peerID string, err error)) { m.onConnError = fn }

// Start opens the TCP listener on the configured port and the
// WebSocket listener on port+1, then runs the accept and keep-alive
// loops until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	tcpLn, err := net.Listen("tcp", fmt.Sprintf(":%d", m.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	m.tcpLn = tcpLn
	tcpPort := tcpLn.Addr().(*net.TCPAddr).Port

	wsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", tcpPort+1))
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("listen websocket: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", m.handleWebSocket)
	m.wsServer = &http.Server{Handler: mux}

	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		m.acceptLoop()
	}()
	go func() {
		defer m.wg.Done()
		if err := m.wsServer.Serve(wsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[P2P] WebSocket server stopped: %v", err)
		}
	}()
	go func() {
		defer m.wg.Done()
		m.keepAliveLoop()
	}()

	log.Printf("[P2P] Listening on tcp :%d, websocket :%d", tcpPort, tcpPort+1)
	return nil
}

// Stop closes the listeners and every connection. Safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.tcpLn != nil {
			m.tcpLn.Close()
		}
		if m.wsServer != nil {
			m.wsServer.Close()
		}
		for _, c := range m.snapshot() {
			c.Close("shutdown")
		}
		m.wg.Wait()
		log.Printf("[P2P] Stopped")
	})
}

// ListenAddr returns the bound TCP listener address, for callers that
// started with port 0.
func (m *Manager) ListenAddr() net.Addr {
	if m.tcpLn == nil {
		return nil
	}
	return m.tcpLn.Addr()
}

// Connect dials an outbound connection and registers it under the
// remote station id. WebSocket peers are expected to listen on their
// advertised port + 1.
func (m *Manager) Connect(ctx context.Context, stationID, host string, port int, ct ConnType) (*Conn, error) {
	if m.atCapacity() {
		return nil, fmt.Errorf("connection limit %d reached", m.cfg.MaxConnections)
	}

	var fc frameConn
	switch ct {
	case ConnWebSocket:
		dialer := websocket.Dialer{HandshakeTimeout: m.cfg.ConnectionTimeout}
		endpoint := fmt.Sprintf("ws://%s/", net.JoinHostPort(host, strconv.Itoa(port+1)))
		ws, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("dial websocket %s: %w", endpoint, err)
		}
		ws.SetReadLimit(MaxFrameSize)
		fc = wsFrameConn{ws}
	default:
		dialer := net.Dialer{Timeout: m.cfg.ConnectionTimeout}
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		raw, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
		}
		fc = tcpFrameConn{raw}
		ct = ConnTCP
	}

	conn := newConn(fc, ct, stationID, m.cfg.ConnectionTimeout)
	conn.setStatus(StatusAuthenticated)
	m.adopt(conn)
	log.Printf("[P2P] Connected to %s via %s (%s)", stationID, ct, conn.RemoteAddr())
	return conn, nil
}

// Send writes one frame to the named peer. There is no implicit dial;
// an unknown peer is an error.
func (m *Manager) Send(peerID string, payload []byte) error {
	c, ok := m.Get(peerID)
	if !ok {
		return fmt.Errorf("no connection to peer %s", peerID)
	}
	return c.Send(payload)
}

// Get returns the connection for a peer id.
func (m *Manager) Get(peerID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[peerID]
	return c, ok
}

// Rename rebinds a connection from its provisional id to the station
// id decoded from its first envelope. An existing connection already
// holding the station id is superseded.
func (m *Manager) Rename(oldID, newID string) bool {
	if oldID == newID {
		if c, ok := m.Get(oldID); ok {
			c.setStatus(StatusAuthenticated)
			return true
		}
		return false
	}

	m.mu.Lock()
	c, ok := m.conns[oldID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	stale, hadStale := m.conns[newID]
	delete(m.conns, oldID)
	m.conns[newID] = c
	c.setID(newID)
	c.setStatus(StatusAuthenticated)
	if hadStale && stale != c {
		stale.setID("stale:" + stale.RemoteAddr().String())
	}
	m.mu.Unlock()

	if hadStale && stale != c {
		stale.Close("superseded")
	}
	log.Printf("[P2P] Peer %s identified as station %s", oldID, newID)
	return true
}

// Count returns the number of live connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Peers returns a snapshot of every connection.
func (m *Manager) Peers() []PeerStatus {
	snapshot := m.snapshot()
	out := make([]PeerStatus, 0, len(snapshot))
	for _, c := range snapshot {
		out = append(out, PeerStatus{
			ID:           c.ID(),
			Transport:    c.Transport(),
			Status:       c.Status(),
			RemoteAddr:   c.RemoteAddr().String(),
			LastActivity: c.LastActivity(),
		})
	}
	return out
}

func (m *Manager) snapshot() []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

func (m *Manager) atCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns) >= m.cfg.MaxConnections
}

// adopt registers a connection, wires its callbacks and starts its
// loops.
func (m *Manager) adopt(c *Conn) {
	c.onFrame = func(c *Conn, payload []byte) {
		if m.onMessage != nil {
			m.onMessage(payload, c.ID())
		}
	}
	c.onClose = m.removeConn

	m.mu.Lock()
	stale, hadStale := m.conns[c.ID()]
	m.conns[c.ID()] = c
	if hadStale && stale != c {
		stale.setID("stale:" + stale.RemoteAddr().String())
	}
	m.mu.Unlock()

	if hadStale && stale != c {
		stale.Close("superseded")
	}

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		c.readLoop()
	}()
	go func() {
		defer m.wg.Done()
		c.sendLoop()
	}()

	if m.onConnected != nil {
		m.onConnected(c.ID())
	}
}

func (m *Manager) removeConn(c *Conn, reason string) {
	id := c.ID()
	m.mu.Lock()
	if cur, ok := m.conns[id]; ok && cur == c {
		delete(m.conns, id)
	}
	m.mu.Unlock()

	log.Printf("[P2P] Peer %s disconnected: %s", id, reason)
	if c.Status() == StatusError && m.onConnError != nil {
		m.onConnError(id, errors.New(reason))
	}
	if m.onDisconnected != nil {
		m.onDisconnected(id, reason)
	}
}

func (m *Manager) acceptLoop() {
	for {
		raw, err := m.tcpLn.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[P2P] Accept failed: %v", err)
			continue
		}
		m.handleInbound(tcpFrameConn{raw}, ConnTCP)
	}
}

func (m *Manager) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[P2P] WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(MaxFrameSize)
	m.handleInbound(wsFrameConn{ws}, ConnWebSocket)
}

func (m *Manager) handleInbound(fc frameConn, ct ConnType) {
	if m.atCapacity() {
		log.Printf("[P2P] Rejecting %s from %s: connection limit %d reached",
			ct, fc.RemoteAddr(), m.cfg.MaxConnections)
		fc.Close()
		return
	}

	provisional := fmt.Sprintf("%s:%s", ct, fc.RemoteAddr())
	conn := newConn(fc, ct, provisional, m.cfg.ConnectionTimeout)
	m.adopt(conn)
	log.Printf("[P2P] Inbound %s connection from %s", ct, fc.RemoteAddr())
}

func (m *Manager) keepAliveLoop() {
	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-keepAliveMissLimit * m.cfg.KeepAliveInterval)
			for _, c := range m.snapshot() {
				if c.LastActivity().Before(cutoff) {
					log.Printf("[P2P] Closing idle connection %s (last activity %s)",
						c.ID(), c.LastActivity().Format(time.RFC3339))
					c.Close("keepalive timeout")
				}
			}
		case <-m.ctx.Done():
			return
		}
	}
}
