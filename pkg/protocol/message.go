// Package protocol defines the bridge message envelope exchanged between
// stations: the wire structure, its enumerations, construction with
// defaults, validation, JSON codec, expiry, and the retry schedule.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the bridge protocol version carried by every envelope.
// Stations reject envelopes whose major version differs.
const Version = "1.0.0"

// BroadcastStation is the routing target that fans a message out to every
// currently connected peer.
const BroadcastStation = "ALL"

// MessageType enumerates the payload types a bridge envelope can carry.
type MessageType string

const (
	TypeUserMessage     MessageType = "user_message"
	TypeCommand         MessageType = "command"
	TypeSystem          MessageType = "system"
	TypeHeartbeat       MessageType = "heartbeat"
	TypeNodeDiscovery   MessageType = "node_discovery"
	TypeStationInfo     MessageType = "station_info"
	TypeAck             MessageType = "ack"
	TypeNack            MessageType = "nack"
	TypeError           MessageType = "error"
	TypeQueueStatus     MessageType = "queue_status"
	TypeDeliveryReceipt MessageType = "delivery_receipt"
)

// MessageTypes lists every valid payload type.
var MessageTypes = []MessageType{
	TypeUserMessage, TypeCommand, TypeSystem, TypeHeartbeat,
	TypeNodeDiscovery, TypeStationInfo, TypeAck, TypeNack,
	TypeError, TypeQueueStatus, TypeDeliveryReceipt,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, known := range MessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Priority orders delivery urgency. Higher is more urgent.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

// Valid reports whether p is inside the defined range.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityUrgent
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityUrgent:
		return "URGENT"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(p)) + ")"
	}
}

// ErrorCode classifies error envelopes and command failures.
type ErrorCode string

const (
	ErrCodeNodeNotFound    ErrorCode = "node_not_found"
	ErrCodeStationOffline  ErrorCode = "station_offline"
	ErrCodeMessageExpired  ErrorCode = "message_expired"
	ErrCodeInvalidFormat   ErrorCode = "invalid_format"
	ErrCodeEncryption      ErrorCode = "encryption_error"
	ErrCodeRateLimited     ErrorCode = "rate_limited"
	ErrCodeQueueFull       ErrorCode = "queue_full"
	ErrCodeUnknownStation  ErrorCode = "unknown_station"
	ErrCodeVersionMismatch ErrorCode = "protocol_version_mismatch"
)

// Routing records where an envelope comes from and where it goes.
// FromNode and ToNode are 0 for station-level control messages.
type Routing struct {
	FromStation string   `json:"fromStation"`
	ToStation   string   `json:"toStation"`
	FromNode    int64    `json:"fromNode"`
	ToNode      int64    `json:"toNode"`
	Hops        []string `json:"hops"`
}

// Payload carries the typed body of an envelope. Data is opaque; when
// Encrypted is set it holds ciphertext addressed to the recipient.
type Payload struct {
	Type      MessageType `json:"type"`
	Data      string      `json:"data"`
	Encrypted bool        `json:"encrypted"`
}

// Delivery holds the reliability knobs of an envelope.
type Delivery struct {
	Priority    Priority `json:"priority"`
	TTL         int64    `json:"ttl"`
	RequiresAck bool     `json:"requiresAck"`
	RetryCount  int      `json:"retryCount"`
	MaxRetries  int      `json:"maxRetries"`
}

// Message is the bridge envelope: the unit of station-to-station traffic.
type Message struct {
	Version   string   `json:"version"`
	MessageID string   `json:"messageId"`
	Timestamp int64    `json:"timestamp"`
	Routing   Routing  `json:"routing"`
	Payload   Payload  `json:"payload"`
	Delivery  Delivery `json:"delivery"`
}

// Defaults applied by NewMessage.
const (
	DefaultTTLSeconds = 3600
	DefaultMaxRetries = 3
	AckTTLSeconds     = 300
	AckMaxRetries     = 2
)

// Option adjusts a message under construction.
type Option func(*Message)

// WithPriority overrides the default NORMAL priority.
func WithPriority(p Priority) Option {
	return func(m *Message) { m.Delivery.Priority = p }
}

// WithTTL overrides the default TTL in seconds.
func WithTTL(seconds int64) Option {
	return func(m *Message) { m.Delivery.TTL = seconds }
}

// WithRequiresAck overrides the default requiresAck=true.
func WithRequiresAck(required bool) Option {
	return func(m *Message) { m.Delivery.RequiresAck = required }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option {
	return func(m *Message) { m.Delivery.MaxRetries = n }
}

// NewMessage builds a fully populated envelope with a fresh UUID, the
// current timestamp, and default delivery settings (NORMAL priority,
// 3600 s TTL, ack required, 3 retries).
func NewMessage(from, to string, fromNode, toNode int64, typ MessageType, data string, opts ...Option) *Message {
	m := &Message{
		Version:   Version,
		MessageID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Routing: Routing{
			FromStation: from,
			ToStation:   to,
			FromNode:    fromNode,
			ToNode:      toNode,
			Hops:        []string{},
		},
		Payload: Payload{
			Type: typ,
			Data: data,
		},
		Delivery: Delivery{
			Priority:    PriorityNormal,
			TTL:         DefaultTTLSeconds,
			RequiresAck: true,
			RetryCount:  0,
			MaxRetries:  DefaultMaxRetries,
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddHop appends a station to the hop list unless it is already the last
// entry.
func (m *Message) AddHop(station string) {
	if n := len(m.Routing.Hops); n > 0 && m.Routing.Hops[n-1] == station {
		return
	}
	m.Routing.Hops = append(m.Routing.Hops, station)
}

// Broadcast reports whether the envelope targets every connected peer.
func (m *Message) Broadcast() bool {
	return m.Routing.ToStation == BroadcastStation
}

var (
	stationIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*[A-Za-z0-9]$`)
	semverPattern    = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// ValidStationID reports whether s is a legal station identifier:
// 3-20 characters, letters/digits/hyphen, no leading or trailing hyphen.
func ValidStationID(s string) bool {
	if len(s) < 3 || len(s) > 20 {
		return false
	}
	return stationIDPattern.MatchString(s)
}

// Validate checks every envelope invariant: field presence, enum
// membership, numeric ranges, and routing/delivery consistency.
func (m *Message) Validate() error {
	if !semverPattern.MatchString(m.Version) {
		return fmt.Errorf("version: %q is not a semver string", m.Version)
	}
	if m.MessageID == "" {
		return errors.New("messageId: empty")
	}
	if m.Timestamp <= 0 {
		return fmt.Errorf("timestamp: %d out of range", m.Timestamp)
	}

	if !ValidStationID(m.Routing.FromStation) {
		return fmt.Errorf("routing.fromStation: invalid station id %q", m.Routing.FromStation)
	}
	if m.Routing.ToStation != BroadcastStation && !ValidStationID(m.Routing.ToStation) {
		return fmt.Errorf("routing.toStation: invalid station id %q", m.Routing.ToStation)
	}
	if m.Routing.FromNode < 0 {
		return fmt.Errorf("routing.fromNode: %d negative", m.Routing.FromNode)
	}
	if m.Routing.ToNode < 0 {
		return fmt.Errorf("routing.toNode: %d negative", m.Routing.ToNode)
	}
	if m.Routing.Hops == nil {
		return errors.New("routing.hops: missing")
	}
	fromHops := 0
	for i, hop := range m.Routing.Hops {
		if hop == "" {
			return fmt.Errorf("routing.hops[%d]: empty", i)
		}
		if hop == m.Routing.FromStation {
			fromHops++
		}
	}
	if fromHops > 1 {
		return fmt.Errorf("routing.hops: %q listed %d times", m.Routing.FromStation, fromHops)
	}

	if !m.Payload.Type.Valid() {
		return fmt.Errorf("payload.type: unknown type %q", m.Payload.Type)
	}

	if !m.Delivery.Priority.Valid() {
		return fmt.Errorf("delivery.priority: %d out of range", m.Delivery.Priority)
	}
	if m.Delivery.TTL <= 0 {
		return fmt.Errorf("delivery.ttl: %d out of range", m.Delivery.TTL)
	}
	if m.Delivery.RetryCount < 0 {
		return fmt.Errorf("delivery.retryCount: %d negative", m.Delivery.RetryCount)
	}
	if m.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.maxRetries: %d negative", m.Delivery.MaxRetries)
	}
	if m.Delivery.RetryCount > m.Delivery.MaxRetries {
		return fmt.Errorf("delivery.retryCount: %d exceeds maxRetries %d",
			m.Delivery.RetryCount, m.Delivery.MaxRetries)
	}

	return nil
}

// CompatibleVersion reports whether the envelope's major protocol version
// matches ours.
func (m *Message) CompatibleVersion() bool {
	return majorVersion(m.Version) == majorVersion(Version)
}

func majorVersion(v string) string {
	if i := strings.IndexByte(v, '.'); i > 0 {
		return v[:i]
	}
	return v
}
