package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/bridge"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
	"github.com/hamnetlabs/stationbridge/pkg/radio"
	"github.com/hamnetlabs/stationbridge/pkg/registry"
	"github.com/hamnetlabs/stationbridge/pkg/transport"
)

type sentMessage struct {
	target string
	msg    *protocol.Message
}

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[protocol.MessageType]transport.Handler
	sent     []sentMessage
	stations []string
	failFor  string
}

func newFakeTransport(stations ...string) *fakeTransport {
	return &fakeTransport{
		handlers: make(map[protocol.MessageType]transport.Handler),
		stations: stations,
	}
}

func (f *fakeTransport) SendMessage(ctx context.Context, msg *protocol.Message) error {
	return f.SendMessageTo(ctx, msg.Routing.ToStation, msg)
}

func (f *fakeTransport) SendMessageTo(_ context.Context, target string, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && target == f.failFor {
		return errors.New("peer unreachable")
	}
	f.sent = append(f.sent, sentMessage{target, msg})
	return nil
}

func (f *fakeTransport) SendAck(context.Context, *protocol.Message, protocol.AckStatus) error {
	return nil
}

func (f *fakeTransport) OnMessage(typ protocol.MessageType, h transport.Handler) {
	f.handlers[typ] = h
}

func (f *fakeTransport) ConnectedStations() []string { return f.stations }

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

type fixture struct {
	sim *radio.Sim
	tr  *fakeTransport
	br  *bridge.Client
	reg *registry.Registry
	d   *Dispatcher
}

// newFixture wires a dispatcher over a simulated radio with two local
// nodes and a bridge over a fake transport.
func newFixture(t *testing.T, stations ...string) *fixture {
	t.Helper()

	sim := radio.NewSim(100)
	sim.AddNode(radio.Node{ID: 456, LongName: "Alice", ShortName: "ALC", Online: true})
	sim.AddNode(radio.Node{ID: 789, LongName: "Bob Mobile", ShortName: "BOB", Online: true})

	tr := newFakeTransport(stations...)
	br := bridge.New("hq-1", tr)
	reg := registry.New(registry.Config{
		StationID:    "hq-1",
		Store:        registry.NewMemoryStore(),
		Bridge:       br,
		QueryTimeout: 2 * time.Second,
	})

	d := New(Config{StationID: "hq-1", Radio: sim, Bridge: br, Registry: reg})
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	t.Cleanup(func() {
		cancel()
		d.Stop()
		sim.Close()
	})
	return &fixture{sim: sim, tr: tr, br: br, reg: reg, d: d}
}

// waitSent polls the simulated radio until it has recorded want sends.
// The packet loop runs in its own goroutine, so replies arrive async.
func waitSent(t *testing.T, sim *radio.Sim, want int) []radio.Packet {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sent := sim.Sent(); len(sent) >= want {
			return sent
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("radio sends = %d, want %d", len(sim.Sent()), want)
	return nil
}

func TestEchoReply(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "hello"})

	sent := waitSent(t, f.sim, 1)
	if sent[0].To != 456 {
		t.Errorf("echo went to %d, want 456", sent[0].To)
	}
	want := `🔊 Echo from 456 (Alice): "hello"`
	if sent[0].Text != want {
		t.Errorf("echo = %q, want %q", sent[0].Text, want)
	}
	if s := f.d.Stats(); s.Echoes != 1 || s.PacketsSeen != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestLocalRelayByID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@789 ping"})

	sent := waitSent(t, f.sim, 2)
	if sent[0].To != 789 || sent[0].Text != "📨 From 456 (Alice): ping" {
		t.Errorf("delivery = %d %q", sent[0].To, sent[0].Text)
	}
	if sent[1].To != 456 || sent[1].Text != "✅ Message relayed to 789 (Bob Mobile) (local)" {
		t.Errorf("confirmation = %d %q", sent[1].To, sent[1].Text)
	}
	if s := f.d.Stats(); s.Relayed != 1 {
		t.Errorf("relayed = %d, want 1", s.Relayed)
	}
}

func TestLocalRelayByName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@bob hi there"})

	sent := waitSent(t, f.sim, 2)
	if sent[0].To != 789 || sent[0].Text != "📨 From 456 (Alice): hi there" {
		t.Errorf("delivery = %d %q", sent[0].To, sent[0].Text)
	}
	if sent[1].Text != "✅ Message relayed to 789 (Bob Mobile) (local)" {
		t.Errorf("confirmation = %q", sent[1].Text)
	}
}

func TestRemoteRelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "remote-1")
	f.reg.IngestRemoteRows([]registry.Entry{{
		NodeID:    222,
		StationID: "remote-1",
		LastSeen:  time.Now().UnixMilli(),
		IsOnline:  true,
		Metadata:  map[string]string{"name": "Carol"},
	}})

	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@222 hey"})

	sent := waitSent(t, f.sim, 1)
	if sent[0].To != 456 || sent[0].Text != "✅ Message relayed to Carol (remote via remote-1)" {
		t.Errorf("confirmation = %d %q", sent[0].To, sent[0].Text)
	}

	var user *sentMessage
	for _, s := range f.tr.sentMessages() {
		if s.msg.Payload.Type == protocol.TypeUserMessage {
			user = &s
			break
		}
	}
	if user == nil {
		t.Fatal("no user message forwarded to the bridge")
	}
	if user.target != "remote-1" || user.msg.Routing.ToNode != 222 ||
		user.msg.Routing.FromNode != 456 {
		t.Errorf("forward = %s %+v", user.target, user.msg.Routing)
	}
	if user.msg.Payload.Data != "From 456 (Alice): hey" {
		t.Errorf("payload = %q", user.msg.Payload.Data)
	}
}

func TestRemoteRelayUnreachable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "remote-1")
	f.tr.failFor = "remote-1"
	f.reg.IngestRemoteRows([]registry.Entry{{
		NodeID:    222,
		StationID: "remote-1",
		LastSeen:  time.Now().UnixMilli(),
		IsOnline:  true,
		Metadata:  map[string]string{"name": "Carol"},
	}})

	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@222 hey"})

	sent := waitSent(t, f.sim, 1)
	if sent[0].Text != "❌ Relay failed: Carol unreachable via remote-1" {
		t.Errorf("failure reply = %q", sent[0].Text)
	}
	if s := f.d.Stats(); s.Relayed != 0 {
		t.Errorf("relayed = %d, want 0", s.Relayed)
	}
}

func TestNoRoute(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@nobody hi"})

	sent := waitSent(t, f.sim, 1)
	if sent[0].To != 456 || sent[0].Text != `❌ Relay failed: no route to "nobody"` {
		t.Errorf("reply = %d %q", sent[0].To, sent[0].Text)
	}
}

// A numeric target nobody has synced triggers a network-wide node query,
// and a positive answer routes the message to the answering station.
func TestRelayViaNodeQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "remote-2")
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@999 hi"})

	// Wait for the query broadcast, then answer it the way a peer would.
	deadline := time.Now().Add(3 * time.Second)
	queried := false
	for time.Now().Before(deadline) {
		for _, s := range f.tr.sentMessages() {
			if s.msg.Payload.Type != protocol.TypeSystem {
				continue
			}
			if sub, err := protocol.SystemType(s.msg.Payload.Data); err == nil &&
				sub == protocol.SystemNodeQuery {
				queried = true
			}
		}
		if queried {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !queried {
		t.Fatal("no node query broadcast")
	}

	resp, err := json.Marshal(registry.QueryResponseMessage{
		Type:         protocol.SystemNodeQueryResponse,
		TargetNodeID: 999,
		Found:        true,
		StationID:    "remote-2",
		LastSeen:     time.Now().UnixMilli(),
		IsOnline:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.reg.HandleSystemMessage(protocol.SystemNodeQueryResponse, string(resp), "remote-2")

	sent := waitSent(t, f.sim, 1)
	if sent[0].Text != "✅ Message relayed to 999 (remote via remote-2)" {
		t.Errorf("confirmation = %q", sent[0].Text)
	}

	var forwarded bool
	for _, s := range f.tr.sentMessages() {
		if s.msg.Payload.Type == protocol.TypeUserMessage &&
			s.target == "remote-2" && s.msg.Routing.ToNode == 999 {
			forwarded = true
		}
	}
	if !forwarded {
		t.Error("no user message forwarded to remote-2")
	}
}

func TestStationRelay(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "remote-1")
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@remote-1 hello over there"})

	sent := waitSent(t, f.sim, 1)
	if sent[0].Text != "✅ Message relayed to remote-1 (station)" {
		t.Errorf("confirmation = %q", sent[0].Text)
	}

	msgs := f.tr.sentMessages()
	var user *protocol.Message
	for _, s := range msgs {
		if s.msg.Payload.Type == protocol.TypeUserMessage && s.target == "remote-1" {
			user = s.msg
		}
	}
	if user == nil {
		t.Fatal("no user message sent to remote-1")
	}
	if user.Routing.ToNode != 0 {
		t.Errorf("station-wide message toNode = %d, want 0", user.Routing.ToNode)
	}
}

func TestCommandReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{"instructions", "instructions", instructionsText},
		{"help alias", "help", instructionsText},
		{"nodes", "nodes", "Nodes: 456 (Alice), 789 (Bob Mobile)"},
		{"status", "status", "Station hq-1: 0 peers, 1 local nodes, 0 remote nodes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.sim.Inject(radio.Packet{From: 456, To: 100, Text: tt.text})

			sent := waitSent(t, f.sim, 1)
			if sent[0].To != 456 || sent[0].Text != tt.want {
				t.Errorf("reply = %q, want %q", sent[0].Text, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		wantAction action
		wantTarget string
		wantText   string
	}{
		{"@789 ping", actionRelay, "789", "ping"},
		{"  @bob  spaced out  ", actionRelay, "bob", "spaced out"},
		{"@", actionEcho, "", ""},
		{"Instructions", actionInstructions, "", ""},
		{"HELP", actionInstructions, "", ""},
		{"status", actionStatus, "", ""},
		{"list nodes", actionNodes, "", ""},
		{"just chatting", actionEcho, "", ""},
	}
	for _, tt := range tests {
		a, target, text := classify(tt.text)
		if a != tt.wantAction || target != tt.wantTarget || text != tt.wantText {
			t.Errorf("classify(%q) = (%v, %q, %q), want (%v, %q, %q)",
				tt.text, a, target, text, tt.wantAction, tt.wantTarget, tt.wantText)
		}
	}
}

func TestSenderRegisteredInRegistry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "hello"})
	waitSent(t, f.sim, 1)

	local, err := f.reg.LocalNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(local) != 1 || local[0].NodeID != 456 {
		t.Fatalf("local rows = %+v, want node 456", local)
	}
	if local[0].Metadata["name"] != "Alice" || local[0].Metadata["shortName"] != "ALC" {
		t.Errorf("metadata = %+v", local[0].Metadata)
	}
}

func TestDuplicateBridgeMessageDropped(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	// Same routing and text in two distinct envelopes: the second is a
	// duplicate even though its message id differs.
	first := protocol.NewMessage("remote-1", "hq-1", 222, 456,
		protocol.TypeUserMessage, "hi from afar")
	second := protocol.NewMessage("remote-1", "hq-1", 222, 456,
		protocol.TypeUserMessage, "hi from afar")

	f.d.HandleBridgeMessage(first, "remote-1")
	f.d.HandleBridgeMessage(second, "remote-1")

	sent := f.sim.Sent()
	if len(sent) != 1 {
		t.Fatalf("radio sends = %d, want 1", len(sent))
	}
	if sent[0].To != 456 || sent[0].Text != "📨 hi from afar" {
		t.Errorf("delivery = %d %q", sent[0].To, sent[0].Text)
	}
	if s := f.d.Stats(); s.Duplicates != 1 {
		t.Errorf("duplicates = %d, want 1", s.Duplicates)
	}

	// Different text is not a duplicate.
	third := protocol.NewMessage("remote-1", "hq-1", 222, 456,
		protocol.TypeUserMessage, "something else")
	f.d.HandleBridgeMessage(third, "remote-1")
	if sent := f.sim.Sent(); len(sent) != 2 {
		t.Errorf("radio sends = %d, want 2", len(sent))
	}
}

func TestDedupWindowSlides(t *testing.T) {
	t.Parallel()

	sim := radio.NewSim(100)
	t.Cleanup(func() { sim.Close() })
	tr := newFakeTransport()
	br := bridge.New("hq-1", tr)
	reg := registry.New(registry.Config{
		StationID: "hq-1",
		Store:     registry.NewMemoryStore(),
		Bridge:    br,
	})
	d := New(Config{StationID: "hq-1", Radio: sim, Bridge: br, Registry: reg, DedupWindow: 2})

	msg := func(text string) *protocol.Message {
		return protocol.NewMessage("remote-1", "hq-1", 222, 456,
			protocol.TypeUserMessage, text)
	}

	d.HandleBridgeMessage(msg("a"), "remote-1")
	d.HandleBridgeMessage(msg("b"), "remote-1")
	d.HandleBridgeMessage(msg("c"), "remote-1") // evicts "a"
	d.HandleBridgeMessage(msg("a"), "remote-1") // delivered again

	if got := len(sim.Sent()); got != 4 {
		t.Errorf("radio sends = %d, want 4", got)
	}
	if s := d.Stats(); s.Duplicates != 0 {
		t.Errorf("duplicates = %d, want 0", s.Duplicates)
	}
}

func TestStrayTextIgnoresEmptyTarget(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sim.Inject(radio.Packet{From: 456, To: 100, Text: "@ no target"})

	sent := waitSent(t, f.sim, 1)
	if !strings.HasPrefix(sent[0].Text, "🔊 Echo from 456") {
		t.Errorf("reply = %q, want echo", sent[0].Text)
	}
}
