package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFormat reports an envelope that does not deserialise into a
// valid Message.
var ErrInvalidFormat = errors.New("invalid message format")

// ErrVersionMismatch reports an envelope from an incompatible protocol
// major version.
var ErrVersionMismatch = errors.New("protocol version mismatch")

// Marshal serialises an envelope to its JSON wire form.
func Marshal(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return json.Marshal(m)
}

// Unmarshal parses and validates a wire envelope. Malformed JSON or a
// failed validation both surface as ErrInvalidFormat; a wrong protocol
// major version surfaces as ErrVersionMismatch.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if !m.CompatibleVersion() {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrVersionMismatch, m.Version, Version)
	}
	return &m, nil
}

// Expired reports whether the envelope's TTL has elapsed.
func (m *Message) Expired() bool {
	return m.ExpiredAt(time.Now())
}

// ExpiredAt reports whether the envelope's TTL has elapsed at the given
// instant.
func (m *Message) ExpiredAt(now time.Time) bool {
	return now.UnixMilli() > m.Timestamp+m.Delivery.TTL*1000
}

// Retry backoff bounds.
const (
	RetryBaseDelay = 1 * time.Second
	RetryMaxDelay  = 30 * time.Second
)

// RetryDelay returns the capped exponential backoff before retry attempt
// n: min(base * 2^n, 30 s).
func RetryDelay(attempt int) time.Duration {
	return RetryDelayBase(attempt, RetryBaseDelay)
}

// RetryDelayBase is RetryDelay with an explicit base delay.
func RetryDelayBase(attempt int, base time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^attempt overflows quickly; anything past the cap is the cap.
	if attempt > 30 {
		return RetryMaxDelay
	}
	d := base << uint(attempt)
	if d > RetryMaxDelay || d <= 0 {
		return RetryMaxDelay
	}
	return d
}
