package discovery

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/hamnetlabs/stationbridge/pkg/crypto"
)

// Contact describes how to reach a station. It travels through the
// directory encrypted under the network's discovery key, so the
// directory never sees addresses or keys in the clear.
type Contact struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	PublicKey string `json:"publicKey"`
	LastSeen  int64  `json:"lastSeen"`
}

// SealContact encrypts a contact record for the directory. The result
// is base64 so it can travel in a JSON string field.
func SealContact(discoveryKey []byte, c Contact) (string, error) {
	plaintext, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal contact: %w", err)
	}
	sealed, err := crypto.SealContact(discoveryKey, plaintext)
	if err != nil {
		return "", fmt.Errorf("seal contact: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenContact decrypts a directory contact record. A station on a
// different network secret fails here, which is how foreign networks
// stay invisible.
func OpenContact(discoveryKey []byte, encoded string) (Contact, error) {
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Contact{}, fmt.Errorf("decode contact: %w", err)
	}
	plaintext, err := crypto.OpenContact(discoveryKey, sealed)
	if err != nil {
		return Contact{}, fmt.Errorf("open contact: %w", err)
	}

	var c Contact
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return Contact{}, fmt.Errorf("unmarshal contact: %w", err)
	}
	return c, nil
}
