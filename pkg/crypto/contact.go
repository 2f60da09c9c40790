// Package crypto implements the cryptographic primitives of the station
// bridge: password-derived AEAD envelopes for directory contact records,
// hybrid RSA+AES encryption for station-to-station payloads, the
// discovery-key derivation, and small helpers (HMAC, freshness, ids).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// ContactSaltSize is the per-envelope KDF salt length in bytes.
	ContactSaltSize = 16
	// ContactIVSize is the AES-GCM nonce length in bytes.
	ContactIVSize = 12
	// ContactTagSize is the AES-GCM authentication tag length in bytes.
	ContactTagSize = 16

	contactKeySize = 32

	// Argon2id parameters for the per-envelope key. Memory is in KiB.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// ErrContactDecrypt is returned when a contact envelope fails to open:
// truncated input, wrong discovery key, or a tampered ciphertext.
var ErrContactDecrypt = errors.New("contact envelope decrypt failed")

// SealContact encrypts plaintext under a key derived from the discovery
// key with a fresh random salt. The output layout is
// salt || iv || authTag || ciphertext so that recipients can re-derive
// the envelope key before opening.
func SealContact(discoveryKey, plaintext []byte) ([]byte, error) {
	salt := make([]byte, ContactSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	iv := make([]byte, ContactIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	gcm, err := contactAEAD(discoveryKey, salt)
	if err != nil {
		return nil, err
	}

	// gcm.Seal appends the tag after the ciphertext; the wire layout wants
	// the tag first, so split and reorder.
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-ContactTagSize]
	tag := sealed[len(sealed)-ContactTagSize:]

	out := make([]byte, 0, ContactSaltSize+ContactIVSize+ContactTagSize+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// OpenContact decrypts an envelope produced by SealContact. Any failure
// (truncation, bad key, bad tag) is reported as ErrContactDecrypt.
func OpenContact(discoveryKey, sealed []byte) ([]byte, error) {
	header := ContactSaltSize + ContactIVSize + ContactTagSize
	if len(sealed) < header {
		return nil, fmt.Errorf("%w: envelope too short (%d bytes)", ErrContactDecrypt, len(sealed))
	}

	salt := sealed[:ContactSaltSize]
	iv := sealed[ContactSaltSize : ContactSaltSize+ContactIVSize]
	tag := sealed[ContactSaltSize+ContactIVSize : header]
	ct := sealed[header:]

	gcm, err := contactAEAD(discoveryKey, salt)
	if err != nil {
		return nil, err
	}

	// Reassemble ciphertext || tag for GCM.
	buf := make([]byte, 0, len(ct)+ContactTagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)

	plaintext, err := gcm.Open(nil, iv, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContactDecrypt, err)
	}
	return plaintext, nil
}

// contactAEAD derives the per-envelope key with Argon2id and returns the
// ready AES-256-GCM AEAD.
func contactAEAD(discoveryKey, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(discoveryKey, salt, argonTime, argonMemory, argonThreads, contactKeySize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
