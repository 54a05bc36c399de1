// Package client implements the client side of the protocol: join, wait
// for setup, then one action per observation.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
)

var (
	// ErrWorkerDown is returned by Run when the router reports that the
	// client's worker went away.
	ErrWorkerDown = errors.New("client: worker down")

	// ErrQuit is returned by an Agent to end the session cleanly.
	ErrQuit = errors.New("client: quit")
)

// Conn is the client's connection to the router.
type Conn interface {
	Send(m protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
}

// Agent renders or consumes observations and produces actions. Human
// terminals and policy agents both implement it.
type Agent interface {
	Setup(config []byte) error
	Consume(obs []byte) error
	ProduceAction() ([]byte, error)
}

// Adapter speaks the client side of the protocol for one Agent.
type Adapter struct {
	conn   Conn
	id     string
	kind   protocol.ActionKind
	agent  Agent
	logger *logging.Logger

	ticks int
}

// New creates an Adapter. id must match the identity the connection
// announced; it is embedded in every action.
func New(conn Conn, id string, kind protocol.ActionKind, agent Agent, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Adapter{
		conn:   conn,
		id:     id,
		kind:   kind,
		agent:  agent,
		logger: logger,
	}
}

// Ticks returns the number of observations consumed.
func (a *Adapter) Ticks() int {
	return a.ticks
}

// Run joins, waits for setup and loops until the agent quits or ctx is
// cancelled, both of which return nil.
func (a *Adapter) Run(ctx context.Context) error {
	err := a.run(ctx)
	if errors.Is(err, ErrQuit) || (err != nil && ctx.Err() != nil) {
		a.logger.Infof("session ended", map[string]any{"ticks": a.ticks})
		return nil
	}
	return err
}

func (a *Adapter) run(ctx context.Context) error {
	if err := a.conn.Send(&protocol.ClientJoin{}); err != nil {
		return fmt.Errorf("joining: %w", err)
	}
	a.logger.Info("joined, waiting for setup")

	if err := a.awaitSetup(ctx); err != nil {
		return err
	}

	// The first action is sent unprompted; the worker's barrier needs one
	// action from every client before it produces any observation.
	if err := a.act(); err != nil {
		return err
	}

	for {
		msg, err := a.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receiving: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.ObsData:
			a.ticks++
			if err := a.agent.Consume(m.Data); err != nil {
				return err
			}
			if err := a.act(); err != nil {
				return err
			}
		case *protocol.WorkerDown:
			return a.workerDown(m)
		default:
			a.unexpected(msg)
		}
	}
}

func (a *Adapter) awaitSetup(ctx context.Context) error {
	for {
		msg, err := a.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("waiting for setup: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.ClientSetup:
			a.logger.Infof("setup received", map[string]any{"size": len(m.Config)})
			return a.agent.Setup(m.Config)
		case *protocol.WorkerDown:
			return a.workerDown(m)
		default:
			a.unexpected(msg)
		}
	}
}

func (a *Adapter) act() error {
	payload, err := a.agent.ProduceAction()
	if err != nil {
		return err
	}
	return a.conn.Send(&protocol.Action{Kind: a.kind, ClientID: a.id, Payload: payload})
}

func (a *Adapter) workerDown(m *protocol.WorkerDown) error {
	a.logger.Warnf("worker down", map[string]any{
		"worker": m.WorkerID,
		"reason": m.Reason,
		"ticks":  a.ticks,
	})
	return fmt.Errorf("%w: %s (%s)", ErrWorkerDown, m.WorkerID, m.Reason)
}

func (a *Adapter) unexpected(msg protocol.Message) {
	a.logger.Warnf("unexpected message", map[string]any{"type": msg.Type().String()})
}
