package crypto

import (
	"crypto/sha256"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is the PBKDF2 iteration count used when the
// configuration does not override it.
const DefaultKDFIterations = 100_000

// DiscoveryKeySize is the derived discovery key length in bytes.
const DiscoveryKeySize = 32

// DeriveDiscoveryKey derives the shared discovery key from the network
// master secret, salted with the network name. Every station of a network
// derives the same key and uses it to seal and open directory contact
// envelopes. iterations <= 0 selects DefaultKDFIterations.
func DeriveDiscoveryKey(secret, networkName string, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return pbkdf2.Key([]byte(secret), []byte(networkName), iterations, DiscoveryKeySize, sha256.New)
}

// RendezvousInfohashAt derives the 20-byte DHT rendezvous infohash for a
// network secret at a given time. The hour component rotates the infohash
// so stale announcements age out of the DHT.
func RendezvousInfohashAt(secret string, t time.Time) [20]byte {
	var infohash [20]byte

	hourEpoch := t.UTC().Unix() / 3600
	input := fmt.Sprintf("%s||%d", secret, hourEpoch)

	hash := sha256.Sum256([]byte(input))
	copy(infohash[:], hash[:20])

	return infohash
}

// RendezvousInfohashes returns the current and previous hour's rendezvous
// infohashes so peers still announced under the previous hour remain
// reachable during rotation.
func RendezvousInfohashes(secret string) (current, previous [20]byte) {
	now := time.Now().UTC()
	current = RendezvousInfohashAt(secret, now)
	previous = RendezvousInfohashAt(secret, now.Add(-1*time.Hour))
	return current, previous
}
