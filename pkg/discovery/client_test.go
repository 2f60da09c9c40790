package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeDirectory implements the directory HTTP contract in-memory.
type fakeDirectory struct {
	mu       sync.Mutex
	stations map[string]PeerRecord
	requests []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{stations: make(map[string]PeerRecord)}
}

func (f *fakeDirectory) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.RawQuery)
		f.mu.Unlock()

		writeOK := func(data any) {
			raw, _ := json.Marshal(data)
			json.NewEncoder(w).Encode(apiResponse{
				Success:   true,
				Data:      raw,
				Timestamp: time.Now().UnixMilli(),
			})
		}

		switch {
		case r.Method == http.MethodPost:
			var body PeerRecord
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.StationID == "" {
				json.NewEncoder(w).Encode(apiResponse{Success: false, Error: "station_id required"})
				return
			}
			body.LastSeen = time.Now().UnixMilli()
			f.mu.Lock()
			f.stations[body.StationID] = body
			f.mu.Unlock()
			writeOK(map[string]string{"station_id": body.StationID})

		case r.Method == http.MethodGet && r.URL.Query().Get("peers") == "true":
			f.mu.Lock()
			peers := make([]PeerRecord, 0, len(f.stations))
			for _, s := range f.stations {
				peers = append(peers, s)
			}
			f.mu.Unlock()
			writeOK(map[string]any{"peers": peers})

		case r.Method == http.MethodGet && r.URL.Query().Get("health") == "true":
			f.mu.Lock()
			n := len(f.stations)
			f.mu.Unlock()
			writeOK(HealthInfo{Status: "ok", ActiveStations: n, Version: "1.0.0", Timestamp: time.Now().UnixMilli()})

		case r.Method == http.MethodDelete:
			id := r.URL.Query().Get("station_id")
			f.mu.Lock()
			delete(f.stations, id)
			f.mu.Unlock()
			writeOK(map[string]string{"station_id": id})

		default:
			json.NewEncoder(w).Encode(apiResponse{Success: false, Error: "unknown request"})
		}
	})
}

func (f *fakeDirectory) put(r PeerRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stations[r.StationID] = r
}

func TestClientRegisterPeersUnregister(t *testing.T) {
	t.Parallel()

	dir := newFakeDirectory()
	srv := httptest.NewServer(dir.handler())
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, StationID: "station-a", Timeout: 2 * time.Second})
	ctx := context.Background()

	if err := c.Register(ctx, "sealed-blob", "pem-key"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	peers, err := c.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 1 || peers[0].StationID != "station-a" || peers[0].EncryptedContactInfo != "sealed-blob" {
		t.Errorf("peers = %+v", peers)
	}

	h, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.ActiveStations != 1 {
		t.Errorf("health = %+v", h)
	}

	if err := c.Unregister(ctx); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	peers, err = c.Peers(ctx)
	if err != nil {
		t.Fatalf("Peers after unregister: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("peers after unregister = %+v", peers)
	}
}

func TestClientSetsIdentityHeaders(t *testing.T) {
	t.Parallel()

	var gotUA, gotStation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotStation = r.Header.Get("X-Station-Id")
		json.NewEncoder(w).Encode(apiResponse{Success: true})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, StationID: "station-a"})
	if err := c.Register(context.Background(), "x", "y"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if gotUA != userAgent {
		t.Errorf("User-Agent = %q, want %q", gotUA, userAgent)
	}
	if gotStation != "station-a" {
		t.Errorf("X-Station-Id = %q", gotStation)
	}
}

func TestClientErrors(t *testing.T) {
	t.Parallel()

	t.Run("directory rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(apiResponse{Success: false, Error: "rate limited"})
		}))
		defer srv.Close()

		c := NewClient(ClientConfig{BaseURL: srv.URL, StationID: "station-a"})
		err := c.Register(context.Background(), "x", "y")
		if !errors.Is(err, ErrDirectory) {
			t.Errorf("err = %v, want ErrDirectory", err)
		}
	})

	t.Run("network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close() // refuse connections

		c := NewClient(ClientConfig{BaseURL: srv.URL, StationID: "station-a", Timeout: time.Second})
		if _, err := c.Peers(context.Background()); !errors.Is(err, ErrNetwork) {
			t.Errorf("err = %v, want ErrNetwork", err)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer srv.Close()

		c := NewClient(ClientConfig{BaseURL: srv.URL, StationID: "station-a"})
		if _, err := c.Health(context.Background()); !errors.Is(err, ErrNetwork) {
			t.Errorf("err = %v, want ErrNetwork", err)
		}
	})
}
