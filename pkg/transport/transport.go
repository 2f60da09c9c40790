// Package transport carries bridge envelopes over the p2p connection
// manager. It owns the station-to-connection mapping, enforces a single
// in-flight dial per remote station, retries sends with bounded
// exponential backoff, and dispatches received envelopes to per-type
// handlers.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/p2p"
	"github.com/hamnetlabs/stationbridge/pkg/protocol"
)

const (
	// DefaultRetryAttempts is the number of re-sends after the first
	// failed attempt of a physical send.
	DefaultRetryAttempts = 3

	// DefaultRetryDelay seeds the exponential backoff between attempts.
	DefaultRetryDelay = time.Second
)

var (
	// ErrRetriesExhausted reports that every send attempt failed.
	ErrRetriesExhausted = errors.New("send retries exhausted")

	// ErrUnknownStation reports that the target station is neither
	// connected nor resolvable through the directory.
	ErrUnknownStation = errors.New("unknown station")
)

// Endpoint is a dialable peer address.
type Endpoint struct {
	Host string
	Port int
}

// Resolver looks up the current endpoint of a station, typically backed
// by the discovery poller.
type Resolver interface {
	Resolve(ctx context.Context, stationID string) (Endpoint, bool)
}

// Handler consumes a received envelope. fromStation is the decoded
// sender, already recorded in the station-to-connection map.
type Handler func(msg *protocol.Message, fromStation string)

// Config carries the transport dependencies and tuning.
type Config struct {
	StationID string
	Manager   *p2p.Manager
	// Resolver may be nil for stations that only accept inbound
	// connections.
	Resolver      Resolver
	RetryAttempts int
	RetryDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Stats is a snapshot of the transport counters.
type Stats struct {
	MessagesSent     int64
	MessagesReceived int64
	SendErrors       int64
	ReceiveErrors    int64
}

type pendingDial struct {
	done chan struct{}
	err  error
}

// Transport adapts the connection manager to bridge envelopes.
// Construct with New before starting the manager so the receive
// callbacks are installed in time.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	handlers map[protocol.MessageType]Handler
	stations map[string]string // station id -> connection key
	pending  map[string]*pendingDial

	onPeerUp   func(stationID string)
	onPeerDown func(stationID string)

	sent     atomic.Int64
	received atomic.Int64
	sendErrs atomic.Int64
	recvErrs atomic.Int64
}

// New wires a transport onto the manager's callbacks.
func New(cfg Config) *Transport {
	t := &Transport{
		cfg:      cfg.withDefaults(),
		handlers: make(map[protocol.MessageType]Handler),
		stations: make(map[string]string),
		pending:  make(map[string]*pendingDial),
	}
	m := t.cfg.Manager
	m.OnMessage(t.handleFrame)
	m.OnPeerConnected(func(peerID string) {
		metricConnsActive.Add(context.Background(), 1)
	})
	m.OnPeerDisconnected(t.handleDisconnect)
	return t
}

// OnMessage registers the handler for one envelope type. Later
// registrations replace earlier ones.
func (t *Transport) OnMessage(typ protocol.MessageType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[typ] = h
}

// OnPeerUp installs a hook fired when a connection is identified as a
// station (first decoded envelope).
func (t *Transport) OnPeerUp(fn func(stationID string)) { t.onPeerUp = fn }

// OnPeerDown installs a hook fired when an identified station's
// connection closes.
func (t *Transport) OnPeerDown(fn func(stationID string)) { t.onPeerDown = fn }

// SendMessage delivers one envelope to its routed target station,
// dialling through the resolver when no live connection exists. Failed
// attempts back off exponentially; exhausted retries return
// ErrRetriesExhausted.
func (t *Transport) SendMessage(ctx context.Context, msg *protocol.Message) error {
	return t.SendMessageTo(ctx, msg.Routing.ToStation, msg)
}

// SendMessageTo delivers one envelope over the connection of an explicit
// station, regardless of the routed target. Broadcast fan-out sends one
// "ALL" envelope per connected peer through here.
func (t *Transport) SendMessageTo(ctx context.Context, target string, msg *protocol.Message) error {
	msg.AddHop(t.cfg.StationID)

	data, err := protocol.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := protocol.RetryDelayBase(attempt-1, t.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = t.trySend(ctx, target, data)
		if lastErr == nil {
			t.sent.Add(1)
			metricMessagesSent.Add(ctx, 1)
			return nil
		}
		t.sendErrs.Add(1)
		metricSendErrors.Add(ctx, 1)
		log.Printf("[Transport] Send to %s failed (attempt %d/%d): %v",
			target, attempt+1, t.cfg.RetryAttempts+1, lastErr)
		if errors.Is(lastErr, ErrUnknownStation) || ctx.Err() != nil {
			break
		}
	}
	if errors.Is(lastErr, ErrUnknownStation) {
		return lastErr
	}
	return fmt.Errorf("%w: %s: %v", ErrRetriesExhausted, target, lastErr)
}

// trySend resolves a connection for target and enqueues one frame.
func (t *Transport) trySend(ctx context.Context, target string, data []byte) error {
	conn, err := t.ensureConnection(ctx, target)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// ensureConnection returns a live connection for target, preferring the
// reply mapping, then direct registration, then a fresh dial. The check
// and the pending-dial claim happen under one lock hold so concurrent
// callers collapse onto a single dial.
func (t *Transport) ensureConnection(ctx context.Context, target string) (*p2p.Conn, error) {
	for {
		t.mu.Lock()
		if key, ok := t.stations[target]; ok {
			if conn, live := t.cfg.Manager.Get(key); live {
				t.mu.Unlock()
				return conn, nil
			}
			delete(t.stations, target)
		}
		if conn, live := t.cfg.Manager.Get(target); live {
			t.mu.Unlock()
			return conn, nil
		}
		if p, ok := t.pending[target]; ok {
			t.mu.Unlock()
			select {
			case <-p.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if p.err != nil {
				return nil, p.err
			}
			// The winning dial registered the connection.
			continue
		}
		p := &pendingDial{done: make(chan struct{})}
		t.pending[target] = p
		t.mu.Unlock()

		conn, err := t.dial(ctx, target)

		t.mu.Lock()
		delete(t.pending, target)
		t.mu.Unlock()
		p.err = err
		close(p.done)
		return conn, err
	}
}

func (t *Transport) dial(ctx context.Context, target string) (*p2p.Conn, error) {
	if t.cfg.Resolver == nil {
		return nil, fmt.Errorf("%w: %s (no resolver)", ErrUnknownStation, target)
	}
	ep, ok := t.cfg.Resolver.Resolve(ctx, target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, target)
	}

	start := time.Now()
	conn, err := t.cfg.Manager.Connect(ctx, target, ep.Host, ep.Port, p2p.ConnTCP)
	metricDialDurMs.Record(ctx, float64(time.Since(start))/float64(time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	t.mu.Lock()
	t.stations[target] = conn.ID()
	t.mu.Unlock()
	return conn, nil
}

// SendAck reports the delivery outcome of original back to its sender.
func (t *Transport) SendAck(ctx context.Context, original *protocol.Message, status protocol.AckStatus) error {
	body := protocol.AckPayload{
		OriginalMessageID: original.MessageID,
		Status:            status,
		Timestamp:         time.Now().UnixMilli(),
	}
	data, err := protocol.EncodePayload(body)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	ack := protocol.NewMessage(
		t.cfg.StationID, original.Routing.FromStation, 0, 0,
		protocol.TypeAck, data,
		protocol.WithPriority(protocol.PriorityHigh),
		protocol.WithTTL(protocol.AckTTLSeconds),
		protocol.WithRequiresAck(false),
		protocol.WithMaxRetries(protocol.AckMaxRetries),
	)
	return t.SendMessage(ctx, ack)
}

// handleFrame decodes one received frame and dispatches it. Peers that
// send undecodable envelopes are disconnected.
func (t *Transport) handleFrame(payload []byte, fromPeer string) {
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		t.recvErrs.Add(1)
		metricReceiveErrors.Add(context.Background(), 1)
		log.Printf("[Transport] Dropping peer %s: bad envelope: %v", fromPeer, err)
		if conn, ok := t.cfg.Manager.Get(fromPeer); ok {
			conn.Close("protocol error")
		}
		return
	}
	if msg.Expired() {
		log.Printf("[Transport] Dropping expired %s message %s from %s",
			msg.Payload.Type, msg.MessageID, msg.Routing.FromStation)
		return
	}

	t.received.Add(1)
	metricMessagesReceived.Add(context.Background(), 1)

	from := msg.Routing.FromStation
	identified := false
	if from != fromPeer {
		if t.cfg.Manager.Rename(fromPeer, from) {
			fromPeer = from
			identified = true
		}
	}
	t.mu.Lock()
	_, known := t.stations[from]
	t.stations[from] = fromPeer
	handler := t.handlers[msg.Payload.Type]
	t.mu.Unlock()

	if (identified || !known) && t.onPeerUp != nil {
		t.onPeerUp(from)
	}
	if handler == nil {
		log.Printf("[Transport] No handler for %s message from %s", msg.Payload.Type, from)
		return
	}
	handler(msg, from)
}

// handleDisconnect drops reply-map entries that point at the closed
// connection and notifies the peer-down hook for identified stations.
func (t *Transport) handleDisconnect(peerID, reason string) {
	metricConnsActive.Add(context.Background(), -1)

	var down []string
	t.mu.Lock()
	for station, key := range t.stations {
		if key == peerID {
			delete(t.stations, station)
			down = append(down, station)
		}
	}
	t.mu.Unlock()

	for _, station := range down {
		log.Printf("[Transport] Station %s disconnected (%s)", station, reason)
		if t.onPeerDown != nil {
			t.onPeerDown(station)
		}
	}
}

// ConnectedStations lists stations with an identified live connection.
func (t *Transport) ConnectedStations() []string {
	peers := t.cfg.Manager.Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p.Status == p2p.StatusAuthenticated {
			out = append(out, p.ID)
		}
	}
	return out
}

// IsHealthy reports whether the transport can currently reach peers or
// could establish a connection on demand.
func (t *Transport) IsHealthy() bool {
	return t.cfg.Manager.Count() > 0 || t.cfg.Resolver != nil
}

// Stats snapshots the traffic counters.
func (t *Transport) Stats() Stats {
	return Stats{
		MessagesSent:     t.sent.Load(),
		MessagesReceived: t.received.Load(),
		SendErrors:       t.sendErrs.Load(),
		ReceiveErrors:    t.recvErrs.Load(),
	}
}
