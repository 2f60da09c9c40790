package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame format on TCP streams:
// |Length(4 bytes, big endian)| Payload(Length bytes) ... |
// WebSocket connections carry one payload per message and skip the
// prefix.
const (
	frameHeaderSize = 4

	// MaxFrameSize bounds a single envelope on the wire (1 MiB).
	MaxFrameSize = 1 << 20
)

// ErrFrameTooLarge reports a frame beyond MaxFrameSize. Reading further
// would desynchronise the stream, so the connection must be closed.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, buffering across partial
// reads.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, errors.New("zero-length frame")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}
