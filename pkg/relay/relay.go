// Package relay turns radio packets into bridge traffic and back. It
// classifies what local mesh nodes type, resolves relay targets across
// the local node table and the shared registry, forwards messages to
// the owning station and confirms the outcome to the sender over the
// radio.
package relay

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/bridge"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
	"github.com/hamnetlabs/stationbridge/pkg/radio"
	"github.com/hamnetlabs/stationbridge/pkg/registry"
)

const (
	DefaultDedupWindow = 100
	DefaultSendTimeout = 30 * time.Second
)

const instructionsText = "Commands: @<node> <message> to relay, " +
	"'nodes' to list reachable nodes, 'status' for bridge status, " +
	"'instructions' for this help"

// Config carries the dispatcher dependencies and tuning.
type Config struct {
	StationID   string
	Radio       radio.Radio
	Bridge      *bridge.Client
	Registry    *registry.Registry
	DedupWindow int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	PacketsSeen int64
	Relayed     int64
	Echoes      int64
	Duplicates  int64
}

type dedupKey struct {
	fromStation string
	fromNode    int64
	toNode      int64
	text        string
}

// Dispatcher consumes the radio packet stream and the bridge's inbound
// messages.
type Dispatcher struct {
	cfg Config

	mu    sync.Mutex
	seen  map[dedupKey]struct{}
	order []dedupKey

	packetsSeen atomic.Int64
	relayed     atomic.Int64
	echoes      atomic.Int64
	duplicates  atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds a dispatcher. Call Start to begin consuming packets.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:  cfg.withDefaults(),
		seen: make(map[dedupKey]struct{}),
	}
}

// Start begins reading the radio packet stream.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.readLoop()
	log.Printf("[Relay] Started (dedup window %d)", d.cfg.DedupWindow)
}

// Stop stops the packet loop. The radio itself is closed by its owner.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		log.Printf("[Relay] Stopped")
	})
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		PacketsSeen: d.packetsSeen.Load(),
		Relayed:     d.relayed.Load(),
		Echoes:      d.echoes.Load(),
		Duplicates:  d.duplicates.Load(),
	}
}

func (d *Dispatcher) readLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case p, ok := <-d.cfg.Radio.Packets():
			if !ok {
				log.Printf("[Relay] Radio packet stream closed")
				return
			}
			d.handlePacket(p)
		}
	}
}

func (d *Dispatcher) handlePacket(p radio.Packet) {
	d.packetsSeen.Add(1)
	d.noteSender(p)

	action, target, text := classify(p.Text)
	switch action {
	case actionRelay:
		d.relay(p, target, text)
	case actionInstructions:
		d.sendToNode(p.From, instructionsText)
	case actionStatus:
		d.sendToNode(p.From, d.statusLine())
	case actionNodes:
		d.sendToNode(p.From, d.nodesLine())
	default:
		d.echo(p)
	}
}

// noteSender keeps the registry current for whoever is transmitting.
func (d *Dispatcher) noteSender(p radio.Packet) {
	meta := make(map[string]string)
	if n, ok := d.cfg.Radio.LookupNode(p.From); ok {
		if n.LongName != "" {
			meta["name"] = n.LongName
		}
		if n.ShortName != "" {
			meta["shortName"] = n.ShortName
		}
		if n.SNR != 0 {
			meta["signal"] = strconv.FormatFloat(n.SNR, 'f', 1, 64)
		}
	}
	if err := d.cfg.Registry.RegisterLocalNode(p.From, meta); err != nil {
		log.Printf("[Relay] Registering node %d failed: %v", p.From, err)
	}
}

type action int

const (
	actionEcho action = iota
	actionRelay
	actionInstructions
	actionStatus
	actionNodes
)

func classify(text string) (action, string, string) {
	trimmed := strings.TrimSpace(text)
	if rest, ok := strings.CutPrefix(trimmed, "@"); ok {
		target, msg, _ := strings.Cut(rest, " ")
		if target != "" {
			return actionRelay, target, strings.TrimSpace(msg)
		}
	}
	switch strings.ToLower(trimmed) {
	case "instructions", "help":
		return actionInstructions, "", ""
	case "status":
		return actionStatus, "", ""
	case "nodes", "list nodes":
		return actionNodes, "", ""
	}
	return actionEcho, "", ""
}

func (d *Dispatcher) echo(p radio.Packet) {
	d.echoes.Add(1)
	metricEchoes.Add(context.Background(), 1)
	d.sendToNode(p.From, fmt.Sprintf("🔊 Echo from %d (%s): \"%s\"",
		p.From, d.nodeName(p.From), p.Text))
}

func (d *Dispatcher) relay(p radio.Packet, target, text string) {
	sender := d.nodeName(p.From)

	if n, ok := d.resolveLocal(target); ok {
		d.sendToNode(n.ID, fmt.Sprintf("📨 From %d (%s): %s", p.From, sender, text))
		d.sendToNode(p.From, fmt.Sprintf("✅ Message relayed to %d (%s) (local)",
			n.ID, n.DisplayName()))
		d.relayed.Add(1)
		metricForwarded.Add(context.Background(), 1)
		log.Printf("[Relay] %d -> %d (local)", p.From, n.ID)
		return
	}

	payload := fmt.Sprintf("From %d (%s): %s", p.From, sender, text)

	e, ok := d.resolveRemote(target)
	if !ok {
		e, ok = d.queryNetwork(target)
	}
	if ok {
		name := e.Name()
		if name == "" {
			name = strconv.FormatInt(e.NodeID, 10)
		}
		if err := d.sendUser(e.StationID, p.From, e.NodeID, payload); err != nil {
			log.Printf("[Relay] Forward to node %d via %s failed: %v", e.NodeID, e.StationID, err)
			d.sendToNode(p.From, fmt.Sprintf("❌ Relay failed: %s unreachable via %s",
				name, e.StationID))
			return
		}
		d.sendToNode(p.From, fmt.Sprintf("✅ Message relayed to %s (remote via %s)",
			name, e.StationID))
		d.relayed.Add(1)
		metricForwarded.Add(context.Background(), 1)
		log.Printf("[Relay] %d -> %d via %s", p.From, e.NodeID, e.StationID)
		return
	}

	if station, ok := d.resolveStation(target); ok {
		if err := d.sendUser(station, p.From, 0, payload); err != nil {
			log.Printf("[Relay] Forward to station %s failed: %v", station, err)
			d.sendToNode(p.From, fmt.Sprintf("❌ Relay failed: station %s unreachable", station))
			return
		}
		d.sendToNode(p.From, fmt.Sprintf("✅ Message relayed to %s (station)", station))
		d.relayed.Add(1)
		metricForwarded.Add(context.Background(), 1)
		log.Printf("[Relay] %d -> station %s", p.From, station)
		return
	}

	log.Printf("[Relay] No route for target %q from node %d", target, p.From)
	d.sendToNode(p.From, fmt.Sprintf("❌ Relay failed: no route to \"%s\"", target))
}

func (d *Dispatcher) resolveLocal(target string) (radio.Node, bool) {
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return d.cfg.Radio.LookupNode(id)
	}
	return radio.MatchName(d.cfg.Radio.Nodes(), target)
}

func (d *Dispatcher) resolveRemote(target string) (registry.Entry, bool) {
	rows, err := d.cfg.Registry.RemoteNodes()
	if err != nil {
		log.Printf("[Relay] Registry lookup failed: %v", err)
		return registry.Entry{}, false
	}

	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		for _, e := range rows {
			if e.NodeID == id {
				return e, true
			}
		}
		return registry.Entry{}, false
	}

	// Rows come back sorted by (nodeId, stationId), so the first
	// substring match is deterministic.
	q := strings.ToLower(target)
	for _, e := range rows {
		if matchMeta(e.Name(), q) || matchMeta(e.Metadata["shortName"], q) {
			return e, true
		}
	}
	return registry.Entry{}, false
}

func matchMeta(name, q string) bool {
	return name != "" && strings.Contains(strings.ToLower(name), q)
}

// queryNetwork asks peer stations for a node id the synced registry has
// not seen yet. Only numeric targets are queryable; names resolve from
// synced rows alone.
func (d *Dispatcher) queryNetwork(target string) (registry.Entry, bool) {
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return registry.Entry{}, false
	}
	if len(d.cfg.Bridge.ConnectedStations()) == 0 {
		return registry.Entry{}, false
	}

	ctx, cancel := d.opCtx()
	defer cancel()
	e, err := d.cfg.Registry.QueryNode(ctx, id)
	if err != nil {
		log.Printf("[Relay] Node query for %d failed: %v", id, err)
		return registry.Entry{}, false
	}
	if e == nil || e.StationID == d.cfg.StationID {
		return registry.Entry{}, false
	}
	log.Printf("[Relay] Node %d located at %s via query", id, e.StationID)
	return *e, true
}

func (d *Dispatcher) resolveStation(target string) (string, bool) {
	for _, s := range d.cfg.Bridge.ConnectedStations() {
		if strings.EqualFold(s, target) {
			return s, true
		}
	}
	return "", false
}

// HandleBridgeMessage delivers an inbound USER_MESSAGE to the local
// radio. Node 0 means the whole station; the radio treats it as a
// broadcast.
func (d *Dispatcher) HandleBridgeMessage(msg *protocol.Message, from string) {
	key := dedupKey{
		fromStation: msg.Routing.FromStation,
		fromNode:    msg.Routing.FromNode,
		toNode:      msg.Routing.ToNode,
		text:        msg.Payload.Data,
	}
	if d.duplicate(key) {
		d.duplicates.Add(1)
		metricDuplicates.Add(context.Background(), 1)
		log.Printf("[Relay] Dropping duplicate from %s node %d", from, msg.Routing.FromNode)
		return
	}

	d.sendToNode(msg.Routing.ToNode, "📨 "+msg.Payload.Data)
	log.Printf("[Relay] Delivered message from %s to node %d", from, msg.Routing.ToNode)
}

// HandleBridgeCommand answers a station-level command sent by a peer.
func (d *Dispatcher) HandleBridgeCommand(msg *protocol.Message, from string) {
	ctx, cancel := d.opCtx()
	defer cancel()

	var reply string
	switch strings.ToLower(strings.TrimSpace(msg.Payload.Data)) {
	case "status":
		reply = d.statusLine()
	case "nodes", "list nodes":
		reply = d.nodesLine()
	case "instructions", "help":
		reply = instructionsText
	default:
		err := d.cfg.Bridge.SendErrorMessage(ctx, from, protocol.ErrorPayload{
			Code:              protocol.ErrCodeInvalidFormat,
			Message:           fmt.Sprintf("unknown command %q", msg.Payload.Data),
			Permanent:         true,
			OriginalMessageID: msg.MessageID,
		})
		if err != nil {
			log.Printf("[Relay] Error reply to %s failed: %v", from, err)
		}
		return
	}

	if err := d.cfg.Bridge.SendUserMessage(ctx, from, 0, msg.Routing.FromNode,
		reply, protocol.PriorityNormal); err != nil {
		log.Printf("[Relay] Command reply to %s failed: %v", from, err)
	}
}

// HandleNodeDiscovery feeds a peer's announced node list into the
// registry.
func (d *Dispatcher) HandleNodeDiscovery(p protocol.NodeDiscoveryPayload, from string) {
	stationID := p.StationID
	if stationID == "" {
		stationID = from
	}
	if stationID == d.cfg.StationID {
		return
	}

	rows := make([]registry.Entry, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		meta := make(map[string]string)
		if n.Name != "" {
			meta["name"] = n.Name
		}
		if n.Signal != 0 {
			meta["signal"] = strconv.FormatFloat(n.Signal, 'f', 1, 64)
		}
		lastSeen := n.LastSeen
		if lastSeen == 0 {
			lastSeen = time.Now().UnixMilli()
		}
		rows = append(rows, registry.Entry{
			NodeID:    n.NodeID,
			StationID: stationID,
			LastSeen:  lastSeen,
			IsOnline:  true,
			Metadata:  meta,
		})
	}

	added, updated, conflicts := d.cfg.Registry.IngestRemoteRows(rows)
	if added > 0 || updated > 0 || conflicts > 0 {
		log.Printf("[Relay] Node list from %s: %d added, %d updated, %d conflicts",
			stationID, added, updated, conflicts)
	}
}

// HandleNodeListRequest answers a peer asking for our node table.
func (d *Dispatcher) HandleNodeListRequest(from string) {
	ctx, cancel := d.opCtx()
	defer cancel()
	if err := d.cfg.Bridge.SendNodeDiscovery(ctx, from, d.localSummaries()); err != nil {
		log.Printf("[Relay] Node list reply to %s failed: %v", from, err)
	}
}

// HandlePeerUp exchanges node lists with a newly connected station.
func (d *Dispatcher) HandlePeerUp(stationID string) {
	ctx, cancel := d.opCtx()
	defer cancel()

	log.Printf("[Relay] Exchanging node lists with %s", stationID)
	if err := d.cfg.Bridge.RequestNodeDiscovery(ctx, stationID); err != nil {
		log.Printf("[Relay] Node list request to %s failed: %v", stationID, err)
	}
	if err := d.cfg.Bridge.BroadcastNodeDiscovery(ctx, d.localSummaries()); err != nil {
		log.Printf("[Relay] Node discovery broadcast failed: %v", err)
	}
}

// HandlePeerDown forgets everything a lost station told us.
func (d *Dispatcher) HandlePeerDown(stationID string) {
	if _, err := d.cfg.Registry.RemoveStationNodes(stationID); err != nil {
		log.Printf("[Relay] Dropping rows for %s failed: %v", stationID, err)
	}
}

func (d *Dispatcher) localSummaries() []protocol.NodeSummary {
	nodes := d.cfg.Radio.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	out := make([]protocol.NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, protocol.NodeSummary{
			NodeID:   n.ID,
			Name:     n.DisplayName(),
			LastSeen: n.LastSeen,
			Signal:   n.SNR,
		})
	}
	return out
}

func (d *Dispatcher) statusLine() string {
	peers := d.cfg.Bridge.ConnectedStations()
	local, err := d.cfg.Registry.LocalNodes()
	if err != nil {
		log.Printf("[Relay] Local node count failed: %v", err)
	}
	remote, err := d.cfg.Registry.RemoteNodes()
	if err != nil {
		log.Printf("[Relay] Remote node count failed: %v", err)
	}
	return fmt.Sprintf("Station %s: %d peers, %d local nodes, %d remote nodes",
		d.cfg.StationID, len(peers), len(local), len(remote))
}

func (d *Dispatcher) nodesLine() string {
	var parts []string
	nodes := d.cfg.Radio.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	for _, n := range nodes {
		parts = append(parts, fmt.Sprintf("%d (%s)", n.ID, n.DisplayName()))
	}
	if remote, err := d.cfg.Registry.RemoteNodes(); err == nil {
		for _, e := range remote {
			name := e.Name()
			if name == "" {
				name = strconv.FormatInt(e.NodeID, 10)
			}
			parts = append(parts, fmt.Sprintf("%d (%s) via %s", e.NodeID, name, e.StationID))
		}
	}
	if len(parts) == 0 {
		return "No nodes known"
	}
	return "Nodes: " + strings.Join(parts, ", ")
}

func (d *Dispatcher) duplicate(key dedupKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	d.order = append(d.order, key)
	if len(d.order) > d.cfg.DedupWindow {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

func (d *Dispatcher) nodeName(id int64) string {
	if n, ok := d.cfg.Radio.LookupNode(id); ok {
		return n.DisplayName()
	}
	return strconv.FormatInt(id, 10)
}

func (d *Dispatcher) sendUser(target string, fromNode, toNode int64, text string) error {
	ctx, cancel := d.opCtx()
	defer cancel()
	return d.cfg.Bridge.SendUserMessage(ctx, target, fromNode, toNode, text, protocol.PriorityNormal)
}

func (d *Dispatcher) sendToNode(to int64, text string) {
	ctx, cancel := d.opCtx()
	defer cancel()
	if err := d.cfg.Radio.SendText(ctx, to, text); err != nil {
		log.Printf("[Relay] Radio send to %d failed: %v", to, err)
	}
}

func (d *Dispatcher) opCtx() (context.Context, context.CancelFunc) {
	parent := d.ctx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d.cfg.SendTimeout)
}
