package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/metrics"
	"github.com/dray-io/arbiter/internal/protocol"
)

type peer struct {
	identity string
	role     protocol.Role
	conn     net.Conn
	writeMu  sync.Mutex
}

// Listener is the router's side of the transport. All inbound frames from
// all peers are merged into one inbox that Recv drains in arrival order.
type Listener struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.ConnectionMetrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	peers    map[string]*peer

	inbox  chan Envelope
	done   chan struct{}
	closed atomic.Bool
	connWg sync.WaitGroup
	connID atomic.Int64
}

// NewListener creates a Listener. Call Listen to bind it.
func NewListener(cfg Config, logger *logging.Logger) *Listener {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultConfig().MaxFrameSize
	}
	return &Listener{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
		peers:  make(map[string]*peer),
		inbox:  make(chan Envelope, cfg.InboxSize),
		done:   make(chan struct{}),
	}
}

// WithMetrics sets the connection metrics for the listener.
// Returns the listener for method chaining.
func (l *Listener) WithMetrics(m *metrics.ConnectionMetrics) *Listener {
	l.metrics = m
	return l
}

// Listen binds the configured address and starts accepting peers.
func (l *Listener) Listen() error {
	ln, err := net.Listen(l.cfg.Network, l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s %s: %w", l.cfg.Network, l.cfg.Addr, err)
	}

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	l.listener = ln
	l.mu.Unlock()

	l.logger.Infof("transport listening", map[string]any{
		"network": l.cfg.Network,
		"addr":    ln.Addr().String(),
	})

	l.connWg.Add(1)
	go l.serve(ln)
	return nil
}

// Addr returns the listener's address, or nil if not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Peers returns the identities currently connected, sorted.
func (l *Listener) Peers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.peers))
	for id := range l.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Listener) serve(ln net.Listener) {
	defer l.connWg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			l.logger.Errorf("accept error", map[string]any{"error": err.Error()})
			return
		}

		l.connWg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	defer l.connWg.Done()
	defer conn.Close()

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		return
	}
	l.conns[conn] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.conns, conn)
		l.mu.Unlock()
	}()

	logger := l.logger.With(map[string]any{"connId": l.connID.Add(1)})

	p, err := l.handshake(conn)
	if err != nil {
		logger.Warnf("handshake failed", map[string]any{"error": err.Error()})
		return
	}

	if l.metrics != nil {
		l.metrics.ConnectionOpened()
	}
	logger = logger.WithIdentity(p.identity).With(map[string]any{"role": p.role.String()})
	logger.Debug("peer connected")

	defer func() {
		l.mu.Lock()
		if l.peers[p.identity] == p {
			delete(l.peers, p.identity)
		}
		l.mu.Unlock()
		if l.metrics != nil {
			l.metrics.ConnectionClosed()
		}
		l.push(Envelope{From: p.identity, Role: p.role, Closed: true})
	}()

	for {
		frame, n, err := readFrame(conn, l.cfg.MaxFrameSize)
		if err != nil {
			switch {
			case err == io.EOF || l.closed.Load():
				logger.Debug("peer disconnected")
			case isConnReset(err):
				logger.Debug("connection reset by peer")
			default:
				logger.Warnf("read error", map[string]any{"error": err.Error()})
			}
			return
		}
		if l.metrics != nil {
			l.metrics.RecordFrame(metrics.DirectionIn, n)
		}

		t, err := protocol.PeekType(frame)
		if err != nil {
			logger.Warnf("dropping undecodable frame", map[string]any{
				"error": err.Error(),
				"size":  len(frame),
			})
			continue
		}
		if !l.push(Envelope{From: p.identity, Role: p.role, Type: t, Frame: frame}) {
			return
		}
	}
}

// handshake reads the HELLO frame and claims the peer's identity.
func (l *Listener) handshake(conn net.Conn) (*peer, error) {
	if l.cfg.HandshakeTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	}
	frame, _, err := readFrame(conn, l.cfg.MaxFrameSize)
	if err != nil {
		l.recordHandshakeFailure("read")
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	msg, err := protocol.Decode(frame)
	if err != nil {
		l.recordHandshakeFailure("bad_hello")
		return nil, err
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		l.recordHandshakeFailure("bad_hello")
		return nil, fmt.Errorf("first frame is %s, want HELLO", msg.Type())
	}
	conn.SetReadDeadline(time.Time{})

	p := &peer{identity: hello.Identity, role: hello.Role, conn: conn}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.peers[p.identity]; exists {
		l.recordHandshakeFailure("identity_in_use")
		return nil, fmt.Errorf("%w: %s", ErrIdentityInUse, p.identity)
	}
	l.peers[p.identity] = p
	return p, nil
}

func (l *Listener) recordHandshakeFailure(reason string) {
	if l.metrics != nil {
		l.metrics.RecordHandshakeFailure(reason)
	}
}

func (l *Listener) push(env Envelope) bool {
	select {
	case l.inbox <- env:
		return true
	case <-l.done:
		return false
	}
}

// Recv returns the next inbound envelope. It returns ErrTimeout when
// timeout elapses first; a zero timeout waits indefinitely.
func (l *Listener) Recv(ctx context.Context, timeout time.Duration) (Envelope, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case env := <-l.inbox:
		return env, nil
	case <-timer:
		return Envelope{}, ErrTimeout
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case <-l.done:
		return Envelope{}, ErrClosed
	}
}

// Send writes frame to the peer with the given identity.
func (l *Listener) Send(to string, frame []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}

	l.mu.Lock()
	p := l.peers[to]
	l.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to)
	}

	wire, err := encodeFrame(l.cfg.Compression, l.cfg.CompressThreshold, frame)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if l.cfg.WriteTimeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	if _, err := p.conn.Write(wire); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}
	if l.metrics != nil {
		l.metrics.RecordFrame(metrics.DirectionOut, len(wire))
	}
	return nil
}

// Close stops accepting, disconnects every peer and removes the unix socket
// file. Calling Close twice returns ErrClosed.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	close(l.done)

	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	for conn := range l.conns {
		conn.Close()
	}
	l.mu.Unlock()

	l.connWg.Wait()

	if l.cfg.Network == "unix" {
		if err := os.Remove(l.cfg.Addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing socket %s: %w", l.cfg.Addr, err)
		}
	}
	return nil
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}
