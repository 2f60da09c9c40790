// Package discovery implements the directory client: registering the
// station's encrypted contact envelope, polling the directory for
// peers, diffing the result into discovered/lost events, and the
// optional BitTorrent-DHT fallback when the directory is unreachable.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultDirectoryURL  = "https://directory.hamnetlabs.net/api/stations"
	DefaultTimeout       = 30 * time.Second
	DefaultCheckInterval = 300 * time.Second

	userAgent = "stationbridge/1.0"
)

// ErrNetwork wraps transport-level directory failures. The poll timers
// retry on the next tick; callers only need errors.Is.
var ErrNetwork = errors.New("directory unreachable")

// ErrDirectory reports a request the directory rejected.
var ErrDirectory = errors.New("directory rejected request")

// PeerRecord is one station as listed by the directory.
type PeerRecord struct {
	StationID            string `json:"station_id"`
	EncryptedContactInfo string `json:"encrypted_contact_info"`
	PublicKey            string `json:"public_key"`
	LastSeen             int64  `json:"last_seen,omitempty"`
}

// HealthInfo is the directory's self-reported state.
type HealthInfo struct {
	Status         string `json:"status"`
	ActiveStations int    `json:"active_stations"`
	Version        string `json:"version"`
	Timestamp      int64  `json:"timestamp"`
}

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// ClientConfig holds the directory client knobs.
type ClientConfig struct {
	BaseURL   string
	StationID string
	Timeout   time.Duration
}

// Client talks to the central directory over HTTP. It is a thin,
// stateless wrapper; retry policy belongs to the timers that call it.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

// NewClient creates a directory client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDirectoryURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Register publishes (or refreshes) the station's directory entry.
// Also serves as the heartbeat.
func (c *Client) Register(ctx context.Context, encryptedContact, publicKey string) error {
	body := map[string]string{
		"station_id":             c.cfg.StationID,
		"encrypted_contact_info": encryptedContact,
		"public_key":             publicKey,
	}
	_, err := c.do(ctx, http.MethodPost, "", body)
	return err
}

// Peers fetches the directory's active-station list.
func (c *Client) Peers(ctx context.Context) ([]PeerRecord, error) {
	data, err := c.do(ctx, http.MethodGet, "peers=true", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Peers []PeerRecord `json:"peers"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse peers response: %w", err)
	}
	return payload.Peers, nil
}

// Health fetches the directory's health summary.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	data, err := c.do(ctx, http.MethodGet, "health=true", nil)
	if err != nil {
		return nil, err
	}

	var h HealthInfo
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse health response: %w", err)
	}
	return &h, nil
}

// Unregister removes the station's directory entry.
func (c *Client) Unregister(ctx context.Context) error {
	query := "station_id=" + url.QueryEscape(c.cfg.StationID)
	_, err := c.do(ctx, http.MethodDelete, query, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, query string, body any) (json.RawMessage, error) {
	endpoint := c.cfg.BaseURL
	if query != "" {
		endpoint += "?" + query
	}

	var reqBody *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Station-Id", c.cfg.StationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	var api apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&api); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrNetwork, err)
	}
	if !api.Success {
		msg := api.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%w: %s", ErrDirectory, msg)
	}
	return api.Data, nil
}
