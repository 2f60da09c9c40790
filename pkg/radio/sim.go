package radio

import (
	"context"
	"errors"
	"sync"
	"time"
)

const simRxBufSize = 64

// ErrRadioClosed is returned by SendText after Close.
var ErrRadioClosed = errors.New("radio closed")

// Sim is an in-memory radio driver. It keeps a node table, records
// every sent text and lets callers inject received packets. Used for
// local testing and in tests; it never touches hardware.
type Sim struct {
	selfID int64

	mu     sync.RWMutex
	nodes  map[int64]Node
	sent   []Packet
	rx     chan Packet
	closed bool
}

// NewSim creates a simulated radio whose own node id is selfID.
func NewSim(selfID int64) *Sim {
	return &Sim{
		selfID: selfID,
		nodes:  make(map[int64]Node),
		rx:     make(chan Packet, simRxBufSize),
	}
}

func (s *Sim) SelfID() int64 { return s.selfID }

// AddNode inserts or replaces a node in the table.
func (s *Sim) AddNode(n Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.LastSeen == 0 {
		n.LastSeen = time.Now().UnixMilli()
	}
	s.nodes[n.ID] = n
}

// RemoveNode drops a node from the table.
func (s *Sim) RemoveNode(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, id)
}

func (s *Sim) Nodes() []Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		result = append(result, n)
	}
	return result
}

func (s *Sim) LookupNode(id int64) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	return n, ok
}

// SendText records the outbound text so tests can assert on it.
func (s *Sim) SendText(ctx context.Context, to int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrRadioClosed
	}
	s.sent = append(s.sent, Packet{
		From:   s.selfID,
		To:     to,
		Text:   text,
		RxTime: time.Now().UnixMilli(),
	})
	return nil
}

// Sent returns a copy of everything sent so far.
func (s *Sim) Sent() []Packet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Packet, len(s.sent))
	copy(out, s.sent)
	return out
}

// Inject delivers a packet as if it had been received over the air.
// Drops the packet if the receive buffer is full or the radio closed.
func (s *Sim) Inject(p Packet) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	if p.RxTime == 0 {
		p.RxTime = time.Now().UnixMilli()
	}
	select {
	case s.rx <- p:
	default:
	}
}

func (s *Sim) Packets() <-chan Packet { return s.rx }

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.rx)
	return nil
}
