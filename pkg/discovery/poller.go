package discovery

import (
	"context"
	"log"
	"sync"
	"time"
)

// Peer is a station learned from the directory, contact envelope
// already decrypted.
type Peer struct {
	StationID string
	Contact   Contact
	PublicKey string
	FirstSeen time.Time
	LastSeen  time.Time
}

// PollerConfig holds the discovery loop knobs.
type PollerConfig struct {
	Client        *Client
	DiscoveryKey  []byte
	CheckInterval time.Duration

	// ContactInfo is called at every registration to capture the
	// station's current address.
	ContactInfo func() Contact
	PublicKey   string
}

// Poller owns the heartbeat/poll loop: it re-registers the station
// every check interval, fetches the active-station list, and diffs it
// against the known peers, emitting discovered/lost events.
type Poller struct {
	cfg       PollerConfig
	stationID string

	onDiscovered func(Peer)
	onLost       func(stationID string)

	mu    sync.RWMutex
	known map[string]*Peer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPoller creates a poller bound to the given directory client.
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	return &Poller{
		cfg:       cfg,
		stationID: cfg.Client.cfg.StationID,
		known:     make(map[string]*Peer),
	}
}

// OnPeerDiscovered installs the handler for first sight of a station.
func (p *Poller) OnPeerDiscovered(fn func(Peer)) { p.onDiscovered = fn }

// OnPeerLost installs the handler for stations that left the
// directory.
func (p *Poller) OnPeerLost(fn func(stationID string)) { p.onLost = fn }

// Start registers immediately, polls once, then repeats every check
// interval until Stop.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tick()

		ticker := time.NewTicker(p.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.tick()
			case <-p.ctx.Done():
				return
			}
		}
	}()

	log.Printf("[Discovery] Poller started (interval %s)", p.cfg.CheckInterval)
}

// Stop halts the loop and unregisters the station from the directory.
// Safe to call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Client.cfg.Timeout)
		defer cancel()
		if err := p.cfg.Client.Unregister(ctx); err != nil {
			log.Printf("[Discovery] Unregister failed: %v", err)
		} else {
			log.Printf("[Discovery] Unregistered from directory")
		}
	})
}

// tick performs one heartbeat + poll round. Failures are logged and
// retried on the next tick.
func (p *Poller) tick() {
	if err := p.register(p.ctx); err != nil {
		log.Printf("[Discovery] Heartbeat failed: %v", err)
	}

	records, err := p.cfg.Client.Peers(p.ctx)
	if err != nil {
		log.Printf("[Discovery] Peer poll failed: %v", err)
		return
	}
	p.ingest(records)
}

func (p *Poller) register(ctx context.Context) error {
	contact := p.cfg.ContactInfo()
	if contact.LastSeen == 0 {
		contact.LastSeen = time.Now().UnixMilli()
	}
	sealed, err := SealContact(p.cfg.DiscoveryKey, contact)
	if err != nil {
		return err
	}
	return p.cfg.Client.Register(ctx, sealed, p.cfg.PublicKey)
}

// ingest applies the diff policy: every listed station is upserted
// (discovered on first sight); every known station missing from the
// list is removed and reported lost. Records that fail contact
// decryption belong to a different network and are skipped entirely.
func (p *Poller) ingest(records []PeerRecord) {
	now := time.Now()
	current := make(map[string]bool, len(records))
	var discovered []Peer
	var lost []string

	p.mu.Lock()
	for _, r := range records {
		if r.StationID == "" || r.StationID == p.stationID {
			continue
		}
		contact, err := OpenContact(p.cfg.DiscoveryKey, r.EncryptedContactInfo)
		if err != nil {
			log.Printf("[Discovery] Skipping %s: %v", r.StationID, err)
			continue
		}
		current[r.StationID] = true

		if existing, ok := p.known[r.StationID]; ok {
			existing.Contact = contact
			existing.PublicKey = r.PublicKey
			existing.LastSeen = now
			continue
		}

		peer := &Peer{
			StationID: r.StationID,
			Contact:   contact,
			PublicKey: r.PublicKey,
			FirstSeen: now,
			LastSeen:  now,
		}
		p.known[r.StationID] = peer
		discovered = append(discovered, *peer)
	}

	for id := range p.known {
		if !current[id] {
			delete(p.known, id)
			lost = append(lost, id)
		}
	}
	p.mu.Unlock()

	for _, peer := range discovered {
		log.Printf("[Discovery] Peer discovered: %s (%s:%d)", peer.StationID, peer.Contact.IP, peer.Contact.Port)
		if p.onDiscovered != nil {
			p.onDiscovered(peer)
		}
	}
	for _, id := range lost {
		log.Printf("[Discovery] Peer lost: %s", id)
		if p.onLost != nil {
			p.onLost(id)
		}
	}
}

// Peer returns a known peer by station id.
func (p *Poller) Peer(stationID string) (Peer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	peer, ok := p.known[stationID]
	if !ok {
		return Peer{}, false
	}
	return *peer, true
}

// Peers returns a snapshot of every known peer.
func (p *Poller) Peers() []Peer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Peer, 0, len(p.known))
	for _, peer := range p.known {
		out = append(out, *peer)
	}
	return out
}

// Lookup returns a peer, refreshing from the directory once if it is
// not yet known. Used by the transport before dialling.
func (p *Poller) Lookup(ctx context.Context, stationID string) (Peer, bool) {
	if peer, ok := p.Peer(stationID); ok {
		return peer, true
	}

	records, err := p.cfg.Client.Peers(ctx)
	if err != nil {
		log.Printf("[Discovery] Lookup poll for %s failed: %v", stationID, err)
		return Peer{}, false
	}
	p.ingest(records)
	return p.Peer(stationID)
}

// KnownCount returns the number of currently known peers.
func (p *Poller) KnownCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.known)
}
