package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/dht/v2"
	"github.com/anacrolix/dht/v2/krpc"

	"github.com/hamnetlabs/stationbridge/pkg/crypto"
)

const (
	dhtAnnounceInterval = 15 * time.Minute
	dhtQueryInterval    = 60 * time.Second
	dhtLookupTimeout    = 30 * time.Second
	dhtPersistInterval  = 2 * time.Minute
	dhtContactCooldown  = 60 * time.Second
	dhtNodesFile        = "dht.nodes"
)

// Well-known BitTorrent DHT bootstrap nodes.
var dhtBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"dht.libtorrent.org:25401",
}

// DHTConfig holds the fallback-discovery knobs.
type DHTConfig struct {
	// Secret is the shared network secret; the rendezvous infohash
	// rotates hourly from it.
	Secret string

	// AdvertisePort is the station's p2p TCP port, announced to the
	// swarm.
	AdvertisePort int

	// StateDir persists known DHT nodes across restarts.
	StateDir string
}

// DHT announces the station on the BitTorrent mainline DHT under the
// network's hourly rendezvous infohash and reports endpoints found
// there. It is the fallback path for when the directory is down:
// discovered endpoints are handed to the connection manager as
// provisional peers and identify themselves by their first envelope.
type DHT struct {
	cfg    DHTConfig
	server *dht.Server

	onEndpoint func(host string, port int)

	mu        sync.Mutex
	contacted map[string]time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewDHT creates the fallback discovery layer. OnEndpoint must be
// installed before Start.
func NewDHT(cfg DHTConfig) *DHT {
	return &DHT{
		cfg:       cfg,
		contacted: make(map[string]time.Time),
	}
}

// OnEndpoint installs the handler for endpoints discovered in the
// swarm.
func (d *DHT) OnEndpoint(fn func(host string, port int)) { d.onEndpoint = fn }

// Start bootstraps into the DHT network and runs the announce, query
// and persist loops.
func (d *DHT) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.initServer(); err != nil {
		return err
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		d.announceLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.queryLoop()
	}()
	go func() {
		defer d.wg.Done()
		d.persistLoop()
	}()

	return nil
}

// Stop persists known nodes and shuts the server down. Safe to call
// more than once.
func (d *DHT) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		if d.server != nil {
			d.persistNodes()
			d.server.Close()
		}
		log.Printf("[DHT] Stopped")
	})
}

func (d *DHT) initServer() error {
	// UDP does not clash with the TCP listener, so reuse the p2p port
	// where possible; let the OS pick otherwise.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: d.cfg.AdvertisePort})
	if err != nil {
		conn, err = net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return fmt.Errorf("bind DHT port: %w", err)
		}
	}
	dhtPort := conn.LocalAddr().(*net.UDPAddr).Port

	cfg := dht.NewDefaultServerConfig()
	cfg.Conn = conn
	cfg.NoSecurity = false

	var bootstrapAddrs []dht.Addr
	for _, node := range dhtBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp", node)
		if err != nil {
			log.Printf("[DHT] Failed to resolve bootstrap node %s: %v", node, err)
			continue
		}
		bootstrapAddrs = append(bootstrapAddrs, dht.NewAddr(addr))
	}
	if len(bootstrapAddrs) == 0 {
		conn.Close()
		return fmt.Errorf("no bootstrap nodes resolved")
	}
	cfg.StartingNodes = func() ([]dht.Addr, error) {
		return bootstrapAddrs, nil
	}

	server, err := dht.NewServer(cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create DHT server: %w", err)
	}
	d.server = server
	d.loadPersistedNodes()

	log.Printf("[DHT] Bootstrapping on udp port %d...", dhtPort)

	// A get_peers lookup forces contact with the bootstrap nodes and
	// populates the routing table.
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
		defer cancel()

		current, _ := crypto.RendezvousInfohashes(d.cfg.Secret)
		a, err := d.server.Announce(current, 0, false)
		if err != nil {
			log.Printf("[DHT] Bootstrap lookup failed: %v", err)
			return
		}
		defer a.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-a.Peers:
				if !ok {
					return
				}
			}
		}
	}()

	for i := 0; i < 10; i++ {
		time.Sleep(1 * time.Second)
		if nodes := server.NumNodes(); nodes > 0 {
			log.Printf("[DHT] Bootstrap complete, routing table has %d nodes", nodes)
			return nil
		}
	}
	log.Printf("[DHT] Bootstrap slow, continuing with %d nodes", server.NumNodes())
	return nil
}

func (d *DHT) announceLoop() {
	d.announce()

	ticker := time.NewTicker(dhtAnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.announce()
		case <-d.ctx.Done():
			return
		}
	}
}

// announce publishes the station's p2p port under the current hourly
// infohash, and the previous one so peers straddling the rotation
// still meet.
func (d *DHT) announce() {
	current, previous := crypto.RendezvousInfohashes(d.cfg.Secret)

	log.Printf("[DHT] Announcing port %d under rendezvous %x", d.cfg.AdvertisePort, current[:8])
	d.announceInfohash(current)
	if current != previous {
		d.announceInfohash(previous)
	}
}

func (d *DHT) announceInfohash(infohash [20]byte) {
	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	a, err := d.server.Announce(infohash, d.cfg.AdvertisePort, false)
	if err != nil {
		log.Printf("[DHT] Announce failed: %v", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-a.Peers:
			if !ok {
				return
			}
		}
	}
}

func (d *DHT) queryLoop() {
	d.query()

	ticker := time.NewTicker(dhtQueryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.query()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DHT) query() {
	current, previous := crypto.RendezvousInfohashes(d.cfg.Secret)

	d.queryInfohash(current)
	if current != previous {
		d.queryInfohash(previous)
	}
}

func (d *DHT) queryInfohash(infohash [20]byte) {
	ctx, cancel := context.WithTimeout(d.ctx, dhtLookupTimeout)
	defer cancel()

	// port 0 keeps this a pure get_peers lookup.
	a, err := d.server.Announce(infohash, 0, false)
	if err != nil {
		log.Printf("[DHT] Query failed: %v", err)
		return
	}
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case peerAddrs, ok := <-a.Peers:
			if !ok {
				return
			}
			for _, addr := range peerAddrs.Peers {
				d.reportEndpoint(addr)
			}
		}
	}
}

// reportEndpoint surfaces one discovered endpoint, rate limited per
// address so repeated swarm responses do not hammer the dialler.
func (d *DHT) reportEndpoint(addr krpc.NodeAddr) {
	endpoint := addr.String()

	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return
	}

	d.mu.Lock()
	if last, ok := d.contacted[endpoint]; ok && time.Since(last) < dhtContactCooldown {
		d.mu.Unlock()
		return
	}
	d.contacted[endpoint] = time.Now()
	d.mu.Unlock()

	log.Printf("[DHT] Discovered endpoint %s", endpoint)
	if d.onEndpoint != nil {
		d.onEndpoint(host, port)
	}
}

func (d *DHT) persistLoop() {
	ticker := time.NewTicker(dhtPersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.persistNodes()
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *DHT) nodesFilePath() string {
	return filepath.Join(d.cfg.StateDir, dhtNodesFile)
}

func (d *DHT) loadPersistedNodes() {
	added, err := d.server.AddNodesFromFile(d.nodesFilePath())
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[DHT] Failed to load persisted nodes: %v", err)
		}
		return
	}
	if added > 0 {
		log.Printf("[DHT] Loaded %d persisted DHT nodes", added)
	}
}

func (d *DHT) persistNodes() {
	nodes := d.server.Nodes()
	if len(nodes) == 0 {
		return
	}

	file := d.nodesFilePath()
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		log.Printf("[DHT] Failed to create state directory: %v", err)
		return
	}
	if err := dht.WriteNodesToFile(nodes, file); err != nil {
		log.Printf("[DHT] Failed to persist DHT nodes: %v", err)
	}
}
