package station

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/bridge"
	"github.com/hamnetlabs/stationbridge/pkg/crypto"
	"github.com/hamnetlabs/stationbridge/pkg/discovery"
	"github.com/hamnetlabs/stationbridge/pkg/p2p"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
	"github.com/hamnetlabs/stationbridge/pkg/radio"
	"github.com/hamnetlabs/stationbridge/pkg/registry"
	"github.com/hamnetlabs/stationbridge/pkg/relay"
	"github.com/hamnetlabs/stationbridge/pkg/rpc"
	"github.com/hamnetlabs/stationbridge/pkg/transport"
)

// LocalNodeRefreshInterval is how often the radio's node table is
// re-registered so local rows never expire while the node is visible.
const LocalNodeRefreshInterval = 5 * time.Minute

// parseLogLevel converts a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigureLogging sets up the global logger with the given level.
// All existing log.Printf calls are redirected through slog at the
// configured level so they are always visible regardless of the filter.
// This should be called once at program startup (e.g. from main) before
// creating a Station; it must not be called from library code.
func ConfigureLogging(level string) {
	lvl := parseLogLevel(level)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	})
	slog.SetDefault(slog.New(handler))

	// Redirect stdlib log.Printf → slog at the configured level so that
	// legacy log.Printf calls are never silenced by a stricter filter.
	log.SetOutput(&slogWriter{level: lvl})
	log.SetFlags(0) // slog adds its own timestamp
}

// slogWriter adapts log.Printf output to slog at a fixed level.
type slogWriter struct {
	level slog.Level
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	slog.Log(context.Background(), w.level, msg)
	return len(p), nil
}

// pollerResolver adapts the discovery poller to the transport's
// endpoint lookup.
type pollerResolver struct {
	poller *discovery.Poller
}

func (r *pollerResolver) Resolve(ctx context.Context, stationID string) (transport.Endpoint, bool) {
	peer, ok := r.poller.Lookup(ctx, stationID)
	if !ok {
		return transport.Endpoint{}, false
	}
	return transport.Endpoint{Host: peer.Contact.IP, Port: peer.Contact.Port}, true
}

// Station assembles the full bridge stack and owns its lifecycle.
type Station struct {
	cfg     *Config
	file    *StationFile
	version string

	store     registry.Store
	manager   *p2p.Manager
	transport *transport.Transport
	bridge    *bridge.Client
	registry  *registry.Registry
	radio     radio.Radio
	relay     *relay.Dispatcher
	dirClient *discovery.Client
	poller    *discovery.Poller
	dht       *discovery.DHT
	rpcServer *rpc.Server

	startTime time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a station from its configuration and identity file. Nothing
// runs until Start.
func New(cfg *Config, file *StationFile, version string) (*Station, error) {
	stationID := file.Identity.StationID

	store, err := registry.OpenLevelDB(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	s := &Station{
		cfg:     cfg,
		file:    file,
		version: version,
		store:   store,
	}

	s.manager = p2p.NewManager(p2p.Config{
		ListenPort:        cfg.P2PListenPort,
		MaxConnections:    cfg.P2PMaxConnections,
		ConnectionTimeout: cfg.P2PConnectionTimeout,
	})

	s.dirClient = discovery.NewClient(discovery.ClientConfig{
		BaseURL:   cfg.DiscoveryURL,
		StationID: stationID,
		Timeout:   cfg.DiscoveryTimeout,
	})

	discoveryKey := crypto.DeriveDiscoveryKey(
		file.Discovery.NetworkSecret, file.Discovery.NetworkName, 0)
	s.poller = discovery.NewPoller(discovery.PollerConfig{
		Client:        s.dirClient,
		DiscoveryKey:  discoveryKey,
		CheckInterval: cfg.DiscoveryCheckInterval,
		ContactInfo:   s.contactInfo,
		PublicKey:     file.Keys.PublicKey,
	})

	s.transport = transport.New(transport.Config{
		StationID: stationID,
		Manager:   s.manager,
		Resolver:  &pollerResolver{poller: s.poller},
	})

	s.bridge = bridge.New(stationID, s.transport)

	s.registry = registry.New(registry.Config{
		StationID: stationID,
		Store:     store,
		Bridge:    s.bridge,
	})

	// Real serial hardware sits behind the same interface; local testing
	// and auto-detect-off use the in-process simulator.
	s.radio = radio.NewSim(simSelfID(stationID))

	s.relay = relay.New(relay.Config{
		StationID: stationID,
		Radio:     s.radio,
		Bridge:    s.bridge,
		Registry:  s.registry,
	})

	if cfg.DiscoveryDHT {
		s.dht = discovery.NewDHT(discovery.DHTConfig{
			Secret:        file.Discovery.NetworkSecret,
			AdvertisePort: cfg.P2PListenPort,
			StateDir:      DefaultStateDir(),
		})
	}

	s.installHandlers()
	return s, nil
}

// simSelfID derives a stable mesh node id for the simulated radio from
// the station id.
func simSelfID(stationID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(stationID))
	return int64(h.Sum64() & 0x7fffffff)
}

// contactInfo captures the station's current public address for the
// directory envelope.
func (s *Station) contactInfo() discovery.Contact {
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return discovery.Contact{
		IP:        discovery.PublicIP(ctx, s.cfg.LocalTesting),
		Port:      s.cfg.P2PListenPort,
		PublicKey: s.file.Keys.PublicKey,
		LastSeen:  time.Now().UnixMilli(),
	}
}

// installHandlers connects the component callbacks. Must run before
// Start so no events are dropped.
func (s *Station) installHandlers() {
	s.bridge.OnUserMessage(s.relay.HandleBridgeMessage)
	s.bridge.OnCommand(s.relay.HandleBridgeCommand)
	s.bridge.OnNodeDiscovery(s.relay.HandleNodeDiscovery)
	s.bridge.OnSystemMessage(s.handleSystemMessage)
	s.bridge.OnHeartbeat(func(from string) {
		log.Printf("[Station] Heartbeat from %s", from)
	})

	s.transport.OnPeerUp(s.relay.HandlePeerUp)
	s.transport.OnPeerDown(s.relay.HandlePeerDown)

	s.poller.OnPeerDiscovered(func(peer discovery.Peer) {
		// Ask the new peer for its node list; the dial happens lazily
		// inside the transport.
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.P2PConnectionTimeout)
		defer cancel()
		if err := s.bridge.RequestNodeDiscovery(ctx, peer.StationID); err != nil {
			log.Printf("[Station] Node list request to %s failed: %v", peer.StationID, err)
		}
	})
	s.poller.OnPeerLost(func(stationID string) {
		if n, err := s.registry.RemoveStationNodes(stationID); err != nil {
			log.Printf("[Station] Failed to drop nodes of lost peer %s: %v", stationID, err)
		} else if n > 0 {
			log.Printf("[Station] Dropped %d nodes of lost peer %s", n, stationID)
		}
	})

	if s.dht != nil {
		s.dht.OnEndpoint(s.handleDHTEndpoint)
	}
}

// handleSystemMessage fans system envelopes out by subtype: registry
// traffic to the registry, list/info requests to their answerers.
func (s *Station) handleSystemMessage(subtype, data, from string) {
	switch subtype {
	case protocol.SystemRegistrySync, protocol.SystemNodeQuery, protocol.SystemNodeQueryResponse:
		s.registry.HandleSystemMessage(subtype, data, from)
	case protocol.SystemNodeListRequest:
		s.relay.HandleNodeListRequest(from)
	case protocol.SystemStationInfoRequest:
		s.sendStationInfo(from)
	default:
		log.Printf("[Station] Unknown system subtype %q from %s", subtype, from)
	}
}

func (s *Station) sendStationInfo(target string) {
	nodes := s.radio.Nodes()
	info := protocol.StationInfoPayload{
		StationID:    s.file.Identity.StationID,
		DisplayName:  s.file.Identity.DisplayName,
		Location:     s.file.Identity.Location,
		Operator:     s.file.Identity.Operator,
		Capabilities: []string{"relay", "registry"},
		NodeCount:    len(nodes),
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.P2PConnectionTimeout)
	defer cancel()
	if err := s.bridge.SendStationInfo(ctx, target, info); err != nil {
		log.Printf("[Station] Station info to %s failed: %v", target, err)
	}
}

// handleDHTEndpoint hands a swarm-discovered endpoint to the connection
// manager as a provisional peer; the first envelope identifies it.
func (s *Station) handleDHTEndpoint(host string, port int) {
	provisional := "dht:" + net.JoinHostPort(host, strconv.Itoa(port))
	if _, ok := s.manager.Get(provisional); ok {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.P2PConnectionTimeout)
	defer cancel()
	if _, err := s.manager.Connect(ctx, provisional, host, port, p2p.ConnTCP); err != nil {
		log.Printf("[DHT] Probe of %s:%d failed: %v", host, port, err)
	}
}

// Start brings the stack up in dependency order: listener, discovery,
// registry and relay timers, then the control socket.
func (s *Station) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.startTime = time.Now()

	if err := s.manager.Start(s.ctx); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}

	s.poller.Start(s.ctx)
	s.registry.Start(s.ctx)
	s.relay.Start(s.ctx)

	if s.dht != nil {
		if err := s.dht.Start(s.ctx); err != nil {
			log.Printf("[Station] DHT fallback unavailable: %v", err)
		}
	}

	s.refreshLocalNodes()
	s.wg.Add(1)
	go s.refreshLoop()

	rpcServer, err := rpc.NewServer(rpc.ServerConfig{
		SocketPath:   rpc.GetSocketPath(),
		Version:      s.version,
		GetStatus:    s.rpcStatus,
		GetPeers:     s.rpcPeers,
		GetNodes:     s.rpcNodes,
		GetConflicts: s.rpcConflicts,
		SendMessage:  s.rpcSendMessage,
	})
	if err != nil {
		log.Printf("[Station] Control socket unavailable: %v", err)
	} else if err := rpcServer.Start(); err != nil {
		log.Printf("[Station] Control socket unavailable: %v", err)
	} else {
		s.rpcServer = rpcServer
	}

	log.Printf("[Station] %s up (port %d, %d peers known)",
		s.file.Identity.StationID, s.cfg.P2PListenPort, s.poller.KnownCount())
	return nil
}

// Run starts the station and blocks until a termination signal or
// context cancellation, then shuts down.
func (s *Station) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[Station] Received signal %v, shutting down...", sig)
	case <-s.ctx.Done():
		log.Printf("[Station] Context cancelled, shutting down...")
	}

	s.Stop()
	return nil
}

// Stop tears the stack down in reverse order: control socket, relay and
// registry timers, discovery (which unregisters), connections, radio,
// storage. Safe to call more than once.
func (s *Station) Stop() {
	s.stopOnce.Do(func() {
		if s.rpcServer != nil {
			if err := s.rpcServer.Stop(); err != nil {
				log.Printf("[Station] Control socket shutdown: %v", err)
			}
		}

		s.relay.Stop()
		s.registry.Stop()
		if s.dht != nil {
			s.dht.Stop()
		}
		s.poller.Stop()

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.manager.Stop()
		if err := s.radio.Close(); err != nil {
			log.Printf("[Station] Radio close: %v", err)
		}
		if err := s.store.Close(); err != nil {
			log.Printf("[Station] Registry store close: %v", err)
		}
		log.Printf("[Station] Stopped")
	})
}

// Uptime reports how long the station has been running.
func (s *Station) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// refreshLoop keeps the radio's node table registered while the daemon
// runs.
func (s *Station) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(LocalNodeRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshLocalNodes()
		case <-s.ctx.Done():
			return
		}
	}
}

// refreshLocalNodes upserts every node the radio currently sees into
// the registry.
func (s *Station) refreshLocalNodes() {
	for _, n := range s.radio.Nodes() {
		meta := map[string]string{"name": n.DisplayName()}
		if err := s.registry.RegisterLocalNode(n.ID, meta); err != nil {
			log.Printf("[Station] Failed to register local node %d: %v", n.ID, err)
		}
	}
}

// rpcStatus builds the status.get response.
func (s *Station) rpcStatus() *rpc.StatusData {
	local, _ := s.registry.LocalNodes()
	remote, _ := s.registry.RemoteNodes()
	stats := s.transport.Stats()

	return &rpc.StatusData{
		StationID:        s.file.Identity.StationID,
		DisplayName:      s.file.Identity.DisplayName,
		Uptime:           s.Uptime(),
		ConnectedPeers:   s.manager.Count(),
		KnownPeers:       s.poller.KnownCount(),
		LocalNodes:       len(local),
		RemoteNodes:      len(remote),
		MessagesSent:     stats.MessagesSent,
		MessagesReceived: stats.MessagesReceived,
	}
}

// rpcPeers builds the peers.list response from the directory view
// joined with the live connection table.
func (s *Station) rpcPeers() []*rpc.PeerData {
	peers := s.poller.Peers()
	out := make([]*rpc.PeerData, 0, len(peers))
	for _, peer := range peers {
		pd := &rpc.PeerData{
			StationID: peer.StationID,
			Address:   net.JoinHostPort(peer.Contact.IP, strconv.Itoa(peer.Contact.Port)),
			LastSeen:  peer.LastSeen,
		}
		if conn, ok := s.manager.Get(peer.StationID); ok {
			pd.Connected = true
			pd.Transport = string(conn.Transport())
			pd.LastSeen = conn.LastActivity()
		}
		out = append(out, pd)
	}
	return out
}

// rpcNodes builds the nodes.list response.
func (s *Station) rpcNodes() []*rpc.NodeData {
	entries, err := s.registry.Nodes()
	if err != nil {
		log.Printf("[Station] Node listing failed: %v", err)
		return nil
	}

	self := s.file.Identity.StationID
	out := make([]*rpc.NodeData, 0, len(entries))
	for _, e := range entries {
		out = append(out, &rpc.NodeData{
			NodeID:    e.NodeID,
			StationID: e.StationID,
			Name:      e.Name(),
			LastSeen:  time.UnixMilli(e.LastSeen),
			Online:    e.IsOnline,
			TTL:       e.TTL,
			Local:     e.StationID == self,
		})
	}
	return out
}

// rpcConflicts builds the registry.conflicts response from the last 24
// hours of audit rows.
func (s *Station) rpcConflicts() []*rpc.ConflictData {
	records, err := s.registry.ConflictsSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		log.Printf("[Station] Conflict listing failed: %v", err)
		return nil
	}

	out := make([]*rpc.ConflictData, 0, len(records))
	for _, c := range records {
		out = append(out, &rpc.ConflictData{
			NodeID:        c.NodeID,
			Strategy:      string(c.Strategy),
			WinnerStation: c.Resolved.StationID,
			Timestamp:     time.UnixMilli(c.Timestamp),
		})
	}
	return out
}

// rpcSendMessage implements message.send: build the envelope here so
// the message id can be reported back to the CLI.
func (s *Station) rpcSendMessage(target string, toNode int64, text string) (string, error) {
	if !protocol.ValidStationID(target) {
		return "", fmt.Errorf("invalid target station id %q", target)
	}

	msg := protocol.NewMessage(s.file.Identity.StationID, target,
		s.radio.SelfID(), toNode, protocol.TypeUserMessage, text)

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.P2PConnectionTimeout)
	defer cancel()
	if err := s.transport.SendMessage(ctx, msg); err != nil {
		return "", err
	}
	return msg.MessageID, nil
}
