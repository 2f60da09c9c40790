package p2p

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Status is the lifecycle state of a peer connection.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusAuthenticated
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusError:
		return "ERROR"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ConnType is the underlying transport of a connection.
type ConnType string

const (
	ConnTCP       ConnType = "tcp"
	ConnWebSocket ConnType = "websocket"
)

const sendBufSize = 64

// ErrSendBufferFull reports that a connection's outbound queue is full.
var ErrSendBufferFull = errors.New("send buffer full")

// ErrConnClosed reports a send on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// frameConn adapts TCP and WebSocket sockets to a common whole-frame
// interface.
type frameConn interface {
	readFrame() ([]byte, error)
	writeFrame(payload []byte, deadline time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

type tcpFrameConn struct {
	net.Conn
}

func (c tcpFrameConn) readFrame() ([]byte, error) { return ReadFrame(c.Conn) }

func (c tcpFrameConn) writeFrame(payload []byte, deadline time.Time) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return WriteFrame(c.Conn, payload)
}

type wsFrameConn struct {
	*websocket.Conn
}

func (c wsFrameConn) readFrame() ([]byte, error) {
	_, payload, err := c.ReadMessage()
	return payload, err
}

func (c wsFrameConn) writeFrame(payload []byte, deadline time.Time) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, payload)
}

// Conn is one peer connection. Its id starts as a provisional socket
// identifier for inbound connections and becomes the remote station id
// once the first envelope from that station is decoded. Sends on a
// single Conn are serialised through sendLoop, so frames never
// interleave.
type Conn struct {
	fc           frameConn
	transport    ConnType
	writeTimeout time.Duration

	sendCh  chan []byte
	die     chan struct{}
	dieOnce sync.Once

	// set by the manager before the loops start
	onFrame func(c *Conn, payload []byte)
	onClose func(c *Conn, reason string)

	mu           sync.Mutex
	id           string
	status       Status
	lastActivity time.Time
	closeReason  string
}

func newConn(fc frameConn, transport ConnType, id string, writeTimeout time.Duration) *Conn {
	return &Conn{
		fc:           fc,
		transport:    transport,
		writeTimeout: writeTimeout,
		sendCh:       make(chan []byte, sendBufSize),
		die:          make(chan struct{}),
		id:           id,
		status:       StatusConnected,
		lastActivity: time.Now(),
	}
}

// ID returns the connection's current peer identifier.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Conn) setID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Conn) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Transport returns tcp or websocket.
func (c *Conn) Transport() ConnType { return c.transport }

// RemoteAddr returns the remote socket address.
func (c *Conn) RemoteAddr() net.Addr { return c.fc.RemoteAddr() }

// LastActivity returns the time of the last frame in either direction.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// CloseReason returns why the connection closed, if it has.
func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// Send queues one frame for transmission. It does not block: a full
// outbound queue surfaces as ErrSendBufferFull and the caller's retry
// policy decides what to do.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.die:
		return fmt.Errorf("%w (%s)", ErrConnClosed, c.CloseReason())
	default:
	}

	select {
	case c.sendCh <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the connection down. Safe to call more than once; only
// the first reason is kept.
func (c *Conn) Close(reason string) {
	c.dieOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		if c.status != StatusError {
			c.status = StatusDisconnected
		}
		c.mu.Unlock()

		close(c.die)
		c.fc.Close()
		if c.onClose != nil {
			c.onClose(c, reason)
		}
	})
}

func (c *Conn) closeOnError(reason string) {
	c.setStatus(StatusError)
	c.Close(reason)
}

// readLoop surfaces whole frames until the connection dies. Malformed
// framing closes the connection.
func (c *Conn) readLoop() {
	for {
		payload, err := c.fc.readFrame()
		if err != nil {
			select {
			case <-c.die:
				return
			default:
			}
			if errors.Is(err, ErrFrameTooLarge) {
				c.closeOnError("frame too large")
			} else {
				c.closeOnError(fmt.Sprintf("read failed: %v", err))
			}
			return
		}

		c.touch()
		if c.onFrame != nil {
			c.onFrame(c, payload)
		}
	}
}

// sendLoop serialises writes so one frame finishes before the next
// begins.
func (c *Conn) sendLoop() {
	for {
		select {
		case payload := <-c.sendCh:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.fc.writeFrame(payload, deadline); err != nil {
				c.closeOnError(fmt.Sprintf("write failed: %v", err))
				return
			}
			c.touch()
		case <-c.die:
			return
		}
	}
}
