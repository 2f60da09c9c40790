package stationdir

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hamnetlabs/stationbridge/pkg/protocol"
	"github.com/hamnetlabs/stationbridge/pkg/ratelimit"
)

// DefaultActivityWindow bounds how old a record may be and still appear
// in the peers listing.
const DefaultActivityWindow = 10 * time.Minute

// APIConfig holds the directory API knobs.
type APIConfig struct {
	Store          Store
	Limiter        *ratelimit.IPRateLimiter // nil disables write rate limiting
	Version        string
	ActivityWindow time.Duration
}

// API serves the directory contract on a single base URL, routed by
// method and query flags: POST registers (and heartbeats), GET
// ?peers=true lists active stations, GET ?health=true reports service
// health, DELETE ?station_id= unregisters.
type API struct {
	store          Store
	limiter        *ratelimit.IPRateLimiter
	version        string
	activityWindow time.Duration
}

// NewAPI creates the directory handler.
func NewAPI(cfg APIConfig) *API {
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = DefaultActivityWindow
	}
	return &API{
		store:          cfg.Store,
		limiter:        cfg.Limiter,
		version:        cfg.Version,
		activityWindow: cfg.ActivityWindow,
	}
}

// ServeHTTP implements http.Handler.
func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
		a.handleRegister(w, r)
	case r.Method == http.MethodGet && r.URL.Query().Get("peers") == "true":
		a.handlePeers(w, r)
	case r.Method == http.MethodGet && r.URL.Query().Get("health") == "true":
		a.handleHealth(w, r)
	case r.Method == http.MethodDelete:
		a.handleUnregister(w, r)
	default:
		writeError(w, http.StatusNotFound, "unknown endpoint")
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w, r) {
		return
	}

	var req struct {
		StationID            string `json:"station_id"`
		EncryptedContactInfo string `json:"encrypted_contact_info"`
		PublicKey            string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !protocol.ValidStationID(req.StationID) {
		writeError(w, http.StatusBadRequest, "invalid station_id")
		return
	}
	if req.EncryptedContactInfo == "" {
		writeError(w, http.StatusBadRequest, "encrypted_contact_info is required")
		return
	}
	if req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "public_key is required")
		return
	}

	rec := Record{
		StationID:            req.StationID,
		EncryptedContactInfo: req.EncryptedContactInfo,
		PublicKey:            req.PublicKey,
		LastSeen:             time.Now().Unix(),
	}
	if err := a.store.Upsert(r.Context(), rec); err != nil {
		log.Printf("[Directory] register %s: %v", req.StationID, err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	metricRegistrations.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]any{
		"registered": true,
		"station_id": req.StationID,
	})
}

func (a *API) handlePeers(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.List(r.Context())
	if err != nil {
		log.Printf("[Directory] list peers: %v", err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	cutoff := time.Now().Add(-a.activityWindow).Unix()
	peers := make([]Record, 0, len(records))
	for _, rec := range records {
		if rec.LastSeen >= cutoff {
			peers = append(peers, rec)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"peers": peers,
		"count": len(peers),
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if records, err := a.store.List(r.Context()); err == nil {
		cutoff := time.Now().Add(-a.activityWindow).Unix()
		for _, rec := range records {
			if rec.LastSeen >= cutoff {
				active++
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_stations": active,
		"version":         a.version,
		"timestamp":       time.Now().UnixMilli(),
	})
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if !a.allowWrite(w, r) {
		return
	}

	stationID := r.URL.Query().Get("station_id")
	if !protocol.ValidStationID(stationID) {
		writeError(w, http.StatusBadRequest, "invalid station_id")
		return
	}

	if err := a.store.Delete(r.Context(), stationID); err != nil {
		log.Printf("[Directory] unregister %s: %v", stationID, err)
		writeError(w, http.StatusInternalServerError, "store failure")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"unregistered": true,
		"station_id":   stationID,
	})
}

// allowWrite enforces the per-IP token bucket on mutating requests and
// reports the X-RateLimit headers either way.
func (a *API) allowWrite(w http.ResponseWriter, r *http.Request) bool {
	if a.limiter == nil {
		return true
	}

	key := clientIP(r)
	allowed, remaining, retryAfter := a.limiter.Reserve(key)

	var resetIn time.Duration
	if allowed {
		resetIn = time.Duration(float64(time.Second) / a.limiter.Rate())
	} else {
		resetIn = retryAfter
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(a.limiter.Burst()))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(resetIn).Unix(), 10))

	if !allowed {
		retrySecs := (int(retryAfter.Milliseconds()) + 999) / 1000
		w.Header().Set("Retry-After", strconv.Itoa(retrySecs))
		metricThrottled.Add(r.Context(), 1)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// clientIP extracts the requester's address: the first X-Forwarded-For
// hop when present (directory runs behind a proxy in production),
// otherwise the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := envelope{Success: true, Data: data, Timestamp: time.Now().UnixMilli()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[Directory] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := envelope{Success: false, Error: msg, Timestamp: time.Now().UnixMilli()}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[Directory] write error response: %v", err)
	}
}
