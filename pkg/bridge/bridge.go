// Package bridge is the station-facing façade over the transport:
// typed send and broadcast operations on one side, per-payload-type
// callbacks and automatic acknowledgement on the other.
package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/protocol"
	"github.com/hamnetlabs/stationbridge/pkg/transport"
)

// ackTimeout bounds the send of a synthesised acknowledgement.
const ackTimeout = 30 * time.Second

// Transport is the envelope carrier the bridge drives.
// *transport.Transport implements it.
type Transport interface {
	SendMessage(ctx context.Context, msg *protocol.Message) error
	SendMessageTo(ctx context.Context, target string, msg *protocol.Message) error
	SendAck(ctx context.Context, original *protocol.Message, status protocol.AckStatus) error
	OnMessage(typ protocol.MessageType, h transport.Handler)
	ConnectedStations() []string
}

// Client sends and receives typed bridge traffic on behalf of one
// station. Install callbacks before the connection manager starts
// accepting traffic.
type Client struct {
	stationID string
	tr        Transport

	mu              sync.RWMutex
	onUserMessage   func(msg *protocol.Message, from string)
	onCommand       func(msg *protocol.Message, from string)
	onSystem        func(subtype, data, from string)
	onNodeDiscovery func(p protocol.NodeDiscoveryPayload, from string)
	onStationInfo   func(p protocol.StationInfoPayload, from string)
	onAck           func(p protocol.AckPayload, from string)
	onError         func(p protocol.ErrorPayload, from string)
	onHeartbeat     func(from string)
}

// New registers a handler on the transport for every known payload type
// and returns the client.
func New(stationID string, tr Transport) *Client {
	c := &Client{stationID: stationID, tr: tr}
	for _, typ := range protocol.MessageTypes {
		tr.OnMessage(typ, func(msg *protocol.Message, from string) {
			c.dispatch(typ, msg, from)
		})
	}
	return c
}

// OnUserMessage installs the handler for relayed user text.
func (c *Client) OnUserMessage(fn func(msg *protocol.Message, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserMessage = fn
}

// OnCommand installs the handler for station commands.
func (c *Client) OnCommand(fn func(msg *protocol.Message, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommand = fn
}

// OnSystemMessage installs the handler for system sub-messages. The
// subtype is the decoded discriminator; data is the full payload body.
func (c *Client) OnSystemMessage(fn func(subtype, data, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSystem = fn
}

// OnNodeDiscovery installs the handler for peer node announcements.
func (c *Client) OnNodeDiscovery(fn func(p protocol.NodeDiscoveryPayload, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNodeDiscovery = fn
}

// OnStationInfo installs the handler for peer station descriptions.
func (c *Client) OnStationInfo(fn func(p protocol.StationInfoPayload, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStationInfo = fn
}

// OnAck installs the handler for delivery acknowledgements.
func (c *Client) OnAck(fn func(p protocol.AckPayload, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onAck = fn
}

// OnErrorMessage installs the handler for error envelopes.
func (c *Client) OnErrorMessage(fn func(p protocol.ErrorPayload, from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

// OnHeartbeat installs the handler for peer heartbeats.
func (c *Client) OnHeartbeat(fn func(from string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHeartbeat = fn
}

// SendUserMessage relays user text to a node on the target station.
func (c *Client) SendUserMessage(ctx context.Context, target string, fromNode, toNode int64, text string, prio protocol.Priority) error {
	msg := protocol.NewMessage(c.stationID, target, fromNode, toNode,
		protocol.TypeUserMessage, text, protocol.WithPriority(prio))
	return c.tr.SendMessage(ctx, msg)
}

// SendCommand sends a station command. Commands default to HIGH
// priority; pass a different one to override.
func (c *Client) SendCommand(ctx context.Context, target string, fromNode, toNode int64, cmd string, prio protocol.Priority) error {
	msg := protocol.NewMessage(c.stationID, target, fromNode, toNode,
		protocol.TypeCommand, cmd, protocol.WithPriority(prio))
	return c.tr.SendMessage(ctx, msg)
}

// BroadcastMessage fans user text out to every currently connected
// peer. Failures are logged per peer; the returned error reports how
// many sends failed.
func (c *Client) BroadcastMessage(ctx context.Context, text string, prio protocol.Priority) error {
	msg := protocol.NewMessage(c.stationID, protocol.BroadcastStation, 0, 0,
		protocol.TypeUserMessage, text,
		protocol.WithPriority(prio), protocol.WithRequiresAck(false))
	return c.fanOut(ctx, msg)
}

// BroadcastNodeDiscovery announces the station's local nodes to every
// connected peer.
func (c *Client) BroadcastNodeDiscovery(ctx context.Context, nodes []protocol.NodeSummary) error {
	data, err := protocol.EncodePayload(protocol.NodeDiscoveryPayload{
		Nodes:     nodes,
		StationID: c.stationID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, protocol.BroadcastStation, 0, 0,
		protocol.TypeNodeDiscovery, data, protocol.WithRequiresAck(false))
	return c.fanOut(ctx, msg)
}

// SendNodeDiscovery announces the station's local nodes to one peer,
// typically in answer to a node list request.
func (c *Client) SendNodeDiscovery(ctx context.Context, target string, nodes []protocol.NodeSummary) error {
	data, err := protocol.EncodePayload(protocol.NodeDiscoveryPayload{
		Nodes:     nodes,
		StationID: c.stationID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, target, 0, 0,
		protocol.TypeNodeDiscovery, data, protocol.WithRequiresAck(false))
	return c.tr.SendMessage(ctx, msg)
}

// SendStationInfo describes this station to one peer.
func (c *Client) SendStationInfo(ctx context.Context, target string, info protocol.StationInfoPayload) error {
	info.StationID = c.stationID
	data, err := protocol.EncodePayload(info)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, target, 0, 0,
		protocol.TypeStationInfo, data, protocol.WithRequiresAck(false))
	return c.tr.SendMessage(ctx, msg)
}

// SendHeartbeat tells one peer this station is alive.
func (c *Client) SendHeartbeat(ctx context.Context, target string) error {
	data, err := protocol.EncodePayload(map[string]int64{"timestamp": time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, target, 0, 0,
		protocol.TypeHeartbeat, data, protocol.WithRequiresAck(false))
	return c.tr.SendMessage(ctx, msg)
}

// SendSystemMessage sends a discriminated system payload to one peer.
func (c *Client) SendSystemMessage(ctx context.Context, target string, payload any) error {
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, target, 0, 0,
		protocol.TypeSystem, data, protocol.WithRequiresAck(false))
	return c.tr.SendMessage(ctx, msg)
}

// BroadcastSystemMessage sends a discriminated system payload to every
// connected peer.
func (c *Client) BroadcastSystemMessage(ctx context.Context, payload any) error {
	data, err := protocol.EncodePayload(payload)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, protocol.BroadcastStation, 0, 0,
		protocol.TypeSystem, data, protocol.WithRequiresAck(false))
	return c.fanOut(ctx, msg)
}

// SendErrorMessage reports a failure to one peer, usually in response
// to a command that could not be executed.
func (c *Client) SendErrorMessage(ctx context.Context, target string, p protocol.ErrorPayload) error {
	data, err := protocol.EncodePayload(p)
	if err != nil {
		return err
	}
	msg := protocol.NewMessage(c.stationID, target, 0, 0,
		protocol.TypeError, data,
		protocol.WithPriority(protocol.PriorityHigh),
		protocol.WithRequiresAck(false))
	return c.tr.SendMessage(ctx, msg)
}

// RequestStationInfo asks one peer to describe itself.
func (c *Client) RequestStationInfo(ctx context.Context, target string) error {
	return c.SendSystemMessage(ctx, target, map[string]string{
		"type": protocol.SystemStationInfoRequest,
	})
}

// RequestNodeDiscovery asks one peer to announce its node list.
func (c *Client) RequestNodeDiscovery(ctx context.Context, target string) error {
	return c.SendSystemMessage(ctx, target, map[string]string{
		"type": protocol.SystemNodeListRequest,
	})
}

// ConnectedStations lists stations reachable without a dial.
func (c *Client) ConnectedStations() []string {
	return c.tr.ConnectedStations()
}

// fanOut sends one envelope to every connected peer.
func (c *Client) fanOut(ctx context.Context, msg *protocol.Message) error {
	stations := c.tr.ConnectedStations()
	failed := 0
	for _, station := range stations {
		if err := c.tr.SendMessageTo(ctx, station, msg); err != nil {
			failed++
			log.Printf("[Bridge] Broadcast to %s failed: %v", station, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("broadcast failed for %d of %d peers", failed, len(stations))
	}
	return nil
}

// dispatch routes one received envelope to its typed callback,
// acknowledging it first when the sender asked for that.
func (c *Client) dispatch(typ protocol.MessageType, msg *protocol.Message, from string) {
	c.mu.RLock()
	onUser := c.onUserMessage
	onCommand := c.onCommand
	onSystem := c.onSystem
	onNodes := c.onNodeDiscovery
	onInfo := c.onStationInfo
	onAck := c.onAck
	onError := c.onError
	onHeartbeat := c.onHeartbeat
	c.mu.RUnlock()

	switch typ {
	case protocol.TypeUserMessage:
		// Acks are synthesised off the read loop so a slow reply path
		// cannot stall the connection.
		if msg.Delivery.RequiresAck {
			go c.acknowledge(msg)
		}
		if onUser != nil {
			onUser(msg, from)
		}

	case protocol.TypeCommand:
		if msg.Delivery.RequiresAck {
			go c.acknowledge(msg)
		}
		if onCommand != nil {
			onCommand(msg, from)
		}

	case protocol.TypeSystem:
		subtype, err := protocol.SystemType(msg.Payload.Data)
		if err != nil {
			log.Printf("[Bridge] Dropping system message from %s: %v", from, err)
			return
		}
		if onSystem != nil {
			onSystem(subtype, msg.Payload.Data, from)
		}

	case protocol.TypeNodeDiscovery:
		p, err := protocol.DecodeNodeDiscovery(msg.Payload.Data)
		if err != nil {
			log.Printf("[Bridge] Dropping node discovery from %s: %v", from, err)
			return
		}
		if onNodes != nil {
			onNodes(*p, from)
		}

	case protocol.TypeStationInfo:
		p, err := protocol.DecodeStationInfo(msg.Payload.Data)
		if err != nil {
			log.Printf("[Bridge] Dropping station info from %s: %v", from, err)
			return
		}
		if onInfo != nil {
			onInfo(*p, from)
		}

	case protocol.TypeAck:
		p, err := protocol.DecodeAck(msg.Payload.Data)
		if err != nil {
			log.Printf("[Bridge] Dropping ack from %s: %v", from, err)
			return
		}
		if onAck != nil {
			onAck(*p, from)
		}

	case protocol.TypeError:
		p, err := protocol.DecodeError(msg.Payload.Data)
		if err != nil {
			log.Printf("[Bridge] Dropping error envelope from %s: %v", from, err)
			return
		}
		log.Printf("[Bridge] Error from %s: %s (%s, permanent=%v)", from, p.Message, p.Code, p.Permanent)
		if onError != nil {
			onError(*p, from)
		}

	case protocol.TypeHeartbeat:
		if onHeartbeat != nil {
			onHeartbeat(from)
		}

	default:
		log.Printf("[Bridge] No consumer for %s message from %s, dropping", typ, from)
	}
}

func (c *Client) acknowledge(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := c.tr.SendAck(ctx, msg, protocol.AckDelivered); err != nil {
		log.Printf("[Bridge] Ack for %s to %s failed: %v",
			msg.MessageID, msg.Routing.FromStation, err)
	}
}
