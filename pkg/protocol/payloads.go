package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AckStatus is the delivery outcome reported by an ACK payload.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckQueued    AckStatus = "queued"
	AckFailed    AckStatus = "failed"
)

// AckPayload rides in payload.data of an ack envelope.
type AckPayload struct {
	OriginalMessageID string    `json:"originalMessageId"`
	Status            AckStatus `json:"status"`
	Timestamp         int64     `json:"timestamp"`
	QueuePosition     *int      `json:"queuePosition,omitempty"`
	EstimatedDelivery *int64    `json:"estimatedDelivery,omitempty"`
}

// NodeSummary is one node entry of a NODE_DISCOVERY payload.
type NodeSummary struct {
	NodeID   int64   `json:"nodeId"`
	Name     string  `json:"name"`
	LastSeen int64   `json:"lastSeen"`
	Signal   float64 `json:"signal"`
}

// NodeDiscoveryPayload announces a station's locally attached nodes.
type NodeDiscoveryPayload struct {
	Nodes     []NodeSummary `json:"nodes"`
	StationID string        `json:"stationId"`
	Timestamp int64         `json:"timestamp"`
}

// QueueStatusInfo summarises a station's outbound queue.
type QueueStatusInfo struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// StationInfoPayload describes a station to its peers.
type StationInfoPayload struct {
	StationID    string          `json:"stationId"`
	DisplayName  string          `json:"displayName"`
	Location     string          `json:"location,omitempty"`
	Operator     string          `json:"operator,omitempty"`
	Capabilities []string        `json:"capabilities"`
	NodeCount    int             `json:"nodeCount"`
	QueueStatus  QueueStatusInfo `json:"queueStatus"`
}

// ErrorPayload reports a failure back to a sender. Permanent tells the
// sender whether retrying can succeed.
type ErrorPayload struct {
	Code              ErrorCode `json:"code"`
	Message           string    `json:"message"`
	Permanent         bool      `json:"permanent"`
	OriginalMessageID string    `json:"originalMessageId,omitempty"`
}

// EncodePayload serialises a typed payload body for payload.data.
func EncodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

// DecodeAck parses an ACK payload body.
func DecodeAck(data string) (*AckPayload, error) {
	var p AckPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: ack payload: %v", ErrInvalidFormat, err)
	}
	if p.OriginalMessageID == "" {
		return nil, fmt.Errorf("%w: ack payload missing originalMessageId", ErrInvalidFormat)
	}
	switch p.Status {
	case AckDelivered, AckQueued, AckFailed:
	default:
		return nil, fmt.Errorf("%w: ack payload status %q", ErrInvalidFormat, p.Status)
	}
	return &p, nil
}

// DecodeNodeDiscovery parses a NODE_DISCOVERY payload body.
func DecodeNodeDiscovery(data string) (*NodeDiscoveryPayload, error) {
	var p NodeDiscoveryPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: node discovery payload: %v", ErrInvalidFormat, err)
	}
	if p.StationID == "" {
		return nil, fmt.Errorf("%w: node discovery payload missing stationId", ErrInvalidFormat)
	}
	return &p, nil
}

// DecodeStationInfo parses a STATION_INFO payload body.
func DecodeStationInfo(data string) (*StationInfoPayload, error) {
	var p StationInfoPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: station info payload: %v", ErrInvalidFormat, err)
	}
	if p.StationID == "" {
		return nil, fmt.Errorf("%w: station info payload missing stationId", ErrInvalidFormat)
	}
	return &p, nil
}

// System payload discriminators. A system envelope's data is a JSON
// object whose "type" field selects the consumer; the remaining fields
// belong to that consumer.
const (
	SystemRegistrySync       = "node_registry_sync"
	SystemNodeQuery          = "node_query"
	SystemNodeQueryResponse  = "node_query_response"
	SystemNodeListRequest    = "node_list_request"
	SystemStationInfoRequest = "station_info_request"
)

// SystemType extracts the discriminator of a system payload body.
func SystemType(data string) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(data), &head); err != nil {
		return "", fmt.Errorf("%w: system payload: %v", ErrInvalidFormat, err)
	}
	if head.Type == "" {
		return "", fmt.Errorf("%w: system payload missing type", ErrInvalidFormat)
	}
	return head.Type, nil
}

// DecodeError parses an error payload body.
func DecodeError(data string) (*ErrorPayload, error) {
	var p ErrorPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("%w: error payload: %v", ErrInvalidFormat, err)
	}
	if p.Code == "" {
		return nil, errors.New("error payload missing code")
	}
	return &p, nil
}
