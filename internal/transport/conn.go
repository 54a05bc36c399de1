package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
)

// Conn is a worker's or client's connection to the router.
type Conn struct {
	cfg      Config
	identity string
	conn     net.Conn
	logger   *logging.Logger

	writeMu sync.Mutex
	in      chan protocol.Message
	readErr error
	done    chan struct{}
	closed  atomic.Bool
	readWg  sync.WaitGroup
}

// Dial connects to the router and announces identity and role. While the
// router is not reachable yet, Dial retries every DialRetryInterval until ctx
// is done.
func Dial(ctx context.Context, cfg Config, identity string, role protocol.Role, logger *logging.Logger) (*Conn, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultConfig().MaxFrameSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}

	var d net.Dialer
	var nc net.Conn
	for {
		var err error
		nc, err = d.DialContext(ctx, cfg.Network, cfg.Addr)
		if err == nil {
			break
		}
		if cfg.DialRetryInterval <= 0 {
			return nil, fmt.Errorf("transport: dial %s %s: %w", cfg.Network, cfg.Addr, err)
		}
		logger.Debugf("router not reachable, retrying", map[string]any{
			"addr":  cfg.Addr,
			"error": err.Error(),
		})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transport: dial %s %s: %w", cfg.Network, cfg.Addr, err)
		case <-time.After(cfg.DialRetryInterval):
		}
	}

	c := &Conn{
		cfg:      cfg,
		identity: identity,
		conn:     nc,
		logger:   logger,
		in:       make(chan protocol.Message, cfg.InboxSize),
		done:     make(chan struct{}),
	}
	if err := c.Send(&protocol.Hello{Identity: identity, Role: role}); err != nil {
		nc.Close()
		return nil, err
	}

	c.readWg.Add(1)
	go c.readLoop()
	return c, nil
}

// Identity returns the identity this connection announced.
func (c *Conn) Identity() string {
	return c.identity
}

// Send encodes m and writes it to the router.
func (c *Conn) Send(m protocol.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	wire, err := encodeFrame(c.cfg.Compression, c.cfg.CompressThreshold, protocol.Encode(m))
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

// Recv blocks until the router sends a message, the connection drops
// (ErrClosed) or ctx is done.
func (c *Conn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m, ok := <-c.in:
		if !ok {
			return nil, c.readErr
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Close disconnects from the router. It is safe to call more than once.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	err := c.conn.Close()
	c.readWg.Wait()
	return err
}

func (c *Conn) readLoop() {
	defer c.readWg.Done()
	for {
		frame, _, err := readFrame(c.conn, c.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || c.closed.Load() {
				c.readErr = ErrClosed
			} else {
				c.readErr = fmt.Errorf("%w: %w", ErrClosed, err)
			}
			close(c.in)
			return
		}
		msg, err := protocol.Decode(frame)
		if err != nil {
			c.logger.Warnf("dropping undecodable frame", map[string]any{"error": err.Error()})
			continue
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}
