// Package radio abstracts the mesh radio attached to a station. The
// bridge core only needs the narrow contract below: a node table, a
// text-send primitive and a stream of received packets. The serial
// driver for real hardware lives behind this interface; local testing
// uses the in-memory Sim.
package radio

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// Node is one device on the local mesh.
type Node struct {
	ID        int64
	LongName  string
	ShortName string
	LastSeen  int64 // unix millis
	SNR       float64
	Online    bool
}

// DisplayName returns the friendliest available name for the node.
func (n Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return strconv.FormatInt(n.ID, 10)
}

// Packet is one text message received from the mesh.
type Packet struct {
	From   int64
	To     int64
	Text   string
	RxTime int64 // unix millis
}

// Radio is the contract a mesh radio driver presents to the bridge.
type Radio interface {
	// SelfID returns the radio's own node id on the mesh.
	SelfID() int64

	// Nodes returns a snapshot of the radio's node table.
	Nodes() []Node

	// LookupNode returns the node with the given id, if known.
	LookupNode(id int64) (Node, bool)

	// SendText transmits a text message to the given node id.
	SendText(ctx context.Context, to int64, text string) error

	// Packets returns the stream of received text packets. The channel
	// is closed when the radio closes.
	Packets() <-chan Packet

	Close() error
}

// MatchName finds the first node whose long or short name contains the
// query, case-insensitive. Nodes are scanned in ascending id order so
// the result is deterministic.
func MatchName(nodes []Node, query string) (Node, bool) {
	q := strings.ToLower(query)
	if q == "" {
		return Node{}, false
	}

	sorted := make([]Node, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	for _, n := range sorted {
		if strings.Contains(strings.ToLower(n.LongName), q) ||
			strings.Contains(strings.ToLower(n.ShortName), q) {
			return n, true
		}
	}
	return Node{}, false
}
