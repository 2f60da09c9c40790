package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/p2p"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
)

type mapResolver struct {
	mu        sync.Mutex
	endpoints map[string]Endpoint
	calls     int
}

func (r *mapResolver) Resolve(_ context.Context, stationID string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	ep, ok := r.endpoints[stationID]
	return ep, ok
}

func (r *mapResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type testStation struct {
	id   string
	mgr  *p2p.Manager
	tr   *Transport
	port int
}

func newTestStation(t *testing.T, id string, r Resolver) *testStation {
	t.Helper()

	mgr := p2p.NewManager(p2p.Config{ListenPort: 0, KeepAliveInterval: time.Hour})
	tr := New(Config{
		StationID:     id,
		Manager:       mgr,
		Resolver:      r,
		RetryAttempts: 1,
		RetryDelay:    10 * time.Millisecond,
	})
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("manager start: %v", err)
	}
	t.Cleanup(mgr.Stop)

	return &testStation{
		id:   id,
		mgr:  mgr,
		tr:   tr,
		port: mgr.ListenAddr().(*net.TCPAddr).Port,
	}
}

type received struct {
	msg  *protocol.Message
	from string
}

func collect(tr *Transport, typ protocol.MessageType) chan received {
	ch := make(chan received, 16)
	tr.OnMessage(typ, func(m *protocol.Message, from string) {
		ch <- received{m, from}
	})
	return ch
}

func waitReceived(t *testing.T, ch chan received) received {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return received{}
	}
}

func TestSendAndReplyWithoutResolver(t *testing.T) {
	// Station A accepts inbound only. Station B knows A through the
	// resolver. A's reply must reuse B's inbound connection.
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})

	aInbox := collect(a.tr, protocol.TypeUserMessage)
	bInbox := collect(b.tr, protocol.TypeUserMessage)

	msg := protocol.NewMessage("station-b", "station-a", 456, 789, protocol.TypeUserMessage, "hello")
	if err := b.tr.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	got := waitReceived(t, aInbox)
	if got.from != "station-b" {
		t.Errorf("from = %q, want station-b", got.from)
	}
	if got.msg.Payload.Data != "hello" {
		t.Errorf("data = %q", got.msg.Payload.Data)
	}
	if len(got.msg.Routing.Hops) != 1 || got.msg.Routing.Hops[0] != "station-b" {
		t.Errorf("hops = %v, want [station-b]", got.msg.Routing.Hops)
	}

	reply := protocol.NewMessage("station-a", "station-b", 789, 456, protocol.TypeUserMessage, "hello back")
	if err := a.tr.SendMessage(context.Background(), reply); err != nil {
		t.Fatalf("reply without resolver: %v", err)
	}
	if got := waitReceived(t, bInbox); got.msg.Payload.Data != "hello back" {
		t.Errorf("reply data = %q", got.msg.Payload.Data)
	}

	aStats := a.tr.Stats()
	if aStats.MessagesReceived != 1 || aStats.MessagesSent != 1 {
		t.Errorf("a stats = %+v", aStats)
	}
}

func TestConcurrentSendsShareOneDial(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	resolver := &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	}
	b := newTestStation(t, "station-b", resolver)

	inbox := collect(a.tr, protocol.TypeHeartbeat)

	const senders = 5
	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := protocol.NewMessage("station-b", "station-a", 0, 0,
				protocol.TypeHeartbeat, "{}", protocol.WithRequiresAck(false))
			errs <- b.tr.SendMessage(context.Background(), msg)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent send: %v", err)
		}
	}

	for i := 0; i < senders; i++ {
		waitReceived(t, inbox)
	}
	if n := resolver.callCount(); n != 1 {
		t.Errorf("resolver calls = %d, want 1", n)
	}
	if n := b.mgr.Count(); n != 1 {
		t.Errorf("outbound connections = %d, want 1", n)
	}
}

func TestSendUnknownStation(t *testing.T) {
	t.Parallel()

	b := newTestStation(t, "station-b", &mapResolver{endpoints: map[string]Endpoint{}})

	msg := protocol.NewMessage("station-b", "station-x", 0, 0, protocol.TypeUserMessage, "hi")
	err := b.tr.SendMessage(context.Background(), msg)
	if !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("err = %v, want ErrUnknownStation", err)
	}
}

func TestSendRetriesExhausted(t *testing.T) {
	t.Parallel()

	// Reserve a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: deadPort},
		},
	})

	msg := protocol.NewMessage("station-b", "station-a", 0, 0, protocol.TypeUserMessage, "hi")
	err = b.tr.SendMessage(context.Background(), msg)
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Fatalf("err = %v, want ErrRetriesExhausted", err)
	}
	if stats := b.tr.Stats(); stats.SendErrors != 2 {
		t.Errorf("send errors = %d, want 2 (retryAttempts+1)", stats.SendErrors)
	}
}

func TestAckEnvelope(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})

	acks := collect(a.tr, protocol.TypeAck)

	original := protocol.NewMessage("station-a", "station-b", 789, 456, protocol.TypeUserMessage, "hello")
	if err := b.tr.SendAck(context.Background(), original, protocol.AckDelivered); err != nil {
		t.Fatalf("SendAck: %v", err)
	}

	got := waitReceived(t, acks).msg
	if got.Delivery.Priority != protocol.PriorityHigh {
		t.Errorf("priority = %v, want HIGH", got.Delivery.Priority)
	}
	if got.Delivery.TTL != protocol.AckTTLSeconds {
		t.Errorf("ttl = %d, want %d", got.Delivery.TTL, protocol.AckTTLSeconds)
	}
	if got.Delivery.RequiresAck {
		t.Error("ack must not require an ack")
	}
	if got.Delivery.MaxRetries != protocol.AckMaxRetries {
		t.Errorf("maxRetries = %d, want %d", got.Delivery.MaxRetries, protocol.AckMaxRetries)
	}

	body, err := protocol.DecodeAck(got.Payload.Data)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if body.OriginalMessageID != original.MessageID {
		t.Errorf("originalMessageId = %q, want %q", body.OriginalMessageID, original.MessageID)
	}
	if body.Status != protocol.AckDelivered {
		t.Errorf("status = %q", body.Status)
	}
}

func TestUnhandledTypeIsDroppedQuietly(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})

	users := collect(a.tr, protocol.TypeUserMessage)

	// No heartbeat handler on A. The heartbeat is received first on the
	// same ordered connection, so seeing the user message proves the
	// unhandled type did not wedge dispatch.
	hb := protocol.NewMessage("station-b", "station-a", 0, 0,
		protocol.TypeHeartbeat, "{}", protocol.WithRequiresAck(false))
	if err := b.tr.SendMessage(context.Background(), hb); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	um := protocol.NewMessage("station-b", "station-a", 0, 0, protocol.TypeUserMessage, "after")
	if err := b.tr.SendMessage(context.Background(), um); err != nil {
		t.Fatalf("send user message: %v", err)
	}

	waitReceived(t, users)
	if stats := a.tr.Stats(); stats.MessagesReceived != 2 {
		t.Errorf("received = %d, want 2", stats.MessagesReceived)
	}
}

func TestExpiredEnvelopeDropped(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})

	users := collect(a.tr, protocol.TypeUserMessage)

	stale := protocol.NewMessage("station-b", "station-a", 0, 0, protocol.TypeUserMessage, "old")
	stale.Timestamp = time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := b.tr.SendMessage(context.Background(), stale); err != nil {
		t.Fatalf("send stale: %v", err)
	}
	fresh := protocol.NewMessage("station-b", "station-a", 0, 0, protocol.TypeUserMessage, "fresh")
	if err := b.tr.SendMessage(context.Background(), fresh); err != nil {
		t.Fatalf("send fresh: %v", err)
	}

	if got := waitReceived(t, users); got.msg.Payload.Data != "fresh" {
		t.Errorf("delivered %q, want only the fresh message", got.msg.Payload.Data)
	}
	if stats := a.tr.Stats(); stats.MessagesReceived != 1 {
		t.Errorf("received = %d, want 1", stats.MessagesReceived)
	}
}

func TestMalformedEnvelopeDisconnectsPeer(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", nil)

	conn, err := b.mgr.Connect(context.Background(), "station-a", "127.0.0.1", a.port, p2p.ConnTCP)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := conn.Send([]byte("not an envelope")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if b.mgr.Count() == 0 && a.tr.Stats().ReceiveErrors == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("peer not dropped: b conns = %d, a receive errors = %d",
		b.mgr.Count(), a.tr.Stats().ReceiveErrors)
}

func TestIsHealthy(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	if a.tr.IsHealthy() {
		t.Error("no connections and no resolver should be unhealthy")
	}

	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})
	if !b.tr.IsHealthy() {
		t.Error("resolver available should be healthy")
	}

	msg := protocol.NewMessage("station-b", "station-a", 0, 0,
		protocol.TypeHeartbeat, "{}", protocol.WithRequiresAck(false))
	if err := b.tr.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for !a.tr.IsHealthy() {
		if time.Now().After(deadline) {
			t.Fatal("active inbound connection should make a healthy")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnectedStations(t *testing.T) {
	a := newTestStation(t, "station-a", nil)
	b := newTestStation(t, "station-b", &mapResolver{
		endpoints: map[string]Endpoint{
			"station-a": {Host: "127.0.0.1", Port: a.port},
		},
	})

	msg := protocol.NewMessage("station-b", "station-a", 0, 0,
		protocol.TypeHeartbeat, "{}", protocol.WithRequiresAck(false))
	if err := b.tr.SendMessage(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stations := a.tr.ConnectedStations()
		if len(stations) == 1 && stations[0] == "station-b" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("ConnectedStations = %v, want [station-b]", a.tr.ConnectedStations())
}
