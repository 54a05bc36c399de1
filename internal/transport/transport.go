// Package transport carries length-prefixed protocol frames between the
// router and its peers over unix or TCP sockets.
//
// The router side (Listener) tags every inbound frame with the identity the
// peer announced in its HELLO frame and addresses outbound frames by that
// identity. The peer side (Conn) dials the router and exchanges decoded
// protocol messages.
package transport

import (
	"errors"
	"time"

	"github.com/dray-io/arbiter/internal/protocol"
)

var (
	// ErrClosed is returned when operations are attempted on a closed endpoint.
	ErrClosed = errors.New("transport: closed")

	// ErrTimeout is returned by Recv when no frame arrived in time.
	ErrTimeout = errors.New("transport: receive timeout")

	// ErrUnknownPeer is returned by Send for an identity with no connection.
	ErrUnknownPeer = errors.New("transport: unknown peer")

	// ErrIdentityInUse is returned when a second connection claims a live identity.
	ErrIdentityInUse = errors.New("transport: identity in use")
)

// Config holds the socket configuration shared by both sides.
type Config struct {
	// Network is "unix" or "tcp".
	Network string
	// Addr is a socket path for unix or host:port for tcp.
	Addr string

	Compression       Compression
	CompressThreshold int
	MaxFrameSize      int32

	// InboxSize bounds the frames buffered between the readers and Recv.
	InboxSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// DialRetryInterval spaces dial attempts while the router is not up yet.
	DialRetryInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Network:           "unix",
		Addr:              "/tmp/arbiter.sock",
		Compression:       CompressionNone,
		CompressThreshold: 1024,
		MaxFrameSize:      16 * 1024 * 1024, // 16MB
		InboxSize:         1024,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		DialRetryInterval: 50 * time.Millisecond,
	}
}

// Envelope is one inbound frame tagged with its sender.
type Envelope struct {
	From string
	Role protocol.Role
	Type protocol.Type
	// Frame is the full protocol frame, type tag included.
	Frame []byte
	// Closed marks the synthetic envelope emitted once when a peer disconnects.
	Closed bool
}
