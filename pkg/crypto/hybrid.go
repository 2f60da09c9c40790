package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMessageDecrypt is returned when a hybrid-sealed message fails to
// open with the given private key.
var ErrMessageDecrypt = errors.New("message decrypt failed")

// SealedMessage is the wire form of a hybrid-encrypted payload: a one-shot
// AES-256-GCM key encrypted to the recipient's RSA public key with OAEP,
// plus the GCM parts. All fields are base64 (standard encoding).
type SealedMessage struct {
	EncryptedKey     string `json:"encryptedKey"`
	IV               string `json:"iv"`
	AuthTag          string `json:"authTag"`
	EncryptedMessage string `json:"encryptedMessage"`
}

// SealMessage encrypts plaintext for the holder of pub and returns the
// JSON-serialised SealedMessage.
func SealMessage(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate message key: %w", err)
	}
	iv := make([]byte, ContactIVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-ContactTagSize]
	tag := sealed[len(sealed)-ContactTagSize:]

	encKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt message key: %w", err)
	}

	msg := SealedMessage{
		EncryptedKey:     base64.StdEncoding.EncodeToString(encKey),
		IV:               base64.StdEncoding.EncodeToString(iv),
		AuthTag:          base64.StdEncoding.EncodeToString(tag),
		EncryptedMessage: base64.StdEncoding.EncodeToString(ct),
	}
	return json.Marshal(msg)
}

// OpenMessage decrypts a JSON-serialised SealedMessage with the
// recipient's private key.
func OpenMessage(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	var msg SealedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: invalid sealed message: %v", ErrMessageDecrypt, err)
	}

	encKey, err := base64.StdEncoding.DecodeString(msg.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encryptedKey encoding", ErrMessageDecrypt)
	}
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrMessageDecrypt)
	}
	tag, err := base64.StdEncoding.DecodeString(msg.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("%w: bad authTag encoding", ErrMessageDecrypt)
	}
	ct, err := base64.StdEncoding.DecodeString(msg.EncryptedMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: bad encryptedMessage encoding", ErrMessageDecrypt)
	}
	if len(iv) != ContactIVSize || len(tag) != ContactTagSize {
		return nil, fmt.Errorf("%w: bad iv or tag length", ErrMessageDecrypt)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, encKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageDecrypt, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageDecrypt, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageDecrypt, err)
	}

	buf := make([]byte, 0, len(ct)+ContactTagSize)
	buf = append(buf, ct...)
	buf = append(buf, tag...)

	plaintext, err := gcm.Open(nil, iv, buf, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMessageDecrypt, err)
	}
	return plaintext, nil
}
