// Package worker implements the simulation-worker side of the protocol:
// registration, assignment, one setup broadcast and a lock-step tick loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
)

// ErrRoundOver is returned by Simulation.Step together with the final
// observations when the round has ended.
var ErrRoundOver = errors.New("worker: round over")

// Conn is the worker's connection to the router.
type Conn interface {
	Send(m protocol.Message) error
	Recv(ctx context.Context) (protocol.Message, error)
}

// Simulation is the game instance a worker runs.
type Simulation interface {
	// Register returns the number of players the round needs.
	Register() int
	// BuildSetup describes every entity and the action schema. It is called
	// once, after all clients are known.
	BuildSetup(clients []string) ([]byte, error)
	// Step advances one tick and returns one serialized observation per
	// client.
	Step(actions map[string][]byte) (map[string][]byte, error)
}

// Adapter speaks the worker side of the protocol for one Simulation.
type Adapter struct {
	conn   Conn
	sim    Simulation
	logger *logging.Logger

	clients []string
	active  []string
	queues  map[string][][]byte
	ticks   int
}

// New creates an Adapter.
func New(conn Conn, sim Simulation, logger *logging.Logger) *Adapter {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Adapter{
		conn:   conn,
		sim:    sim,
		logger: logger,
		queues: make(map[string][][]byte),
	}
}

// Clients returns the assigned clients in assignment order.
func (a *Adapter) Clients() []string {
	return a.clients
}

// Ticks returns the number of completed simulation steps.
func (a *Adapter) Ticks() int {
	return a.ticks
}

// Run registers with the router, waits for its clients, sends the setup and
// then steps the simulation until the round ends, every client has left or
// ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	required := a.sim.Register()
	if required < 1 {
		return fmt.Errorf("simulation requires %d players", required)
	}
	if err := a.conn.Send(&protocol.LevelMaxPlayerNum{Count: int32(required)}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	a.logger.Infof("registered", map[string]any{"required": required})

	left, err := a.awaitAssignments(ctx, required)
	if err != nil {
		return a.exit(ctx, err)
	}

	setup, err := a.sim.BuildSetup(a.clients)
	if err != nil {
		return fmt.Errorf("building setup: %w", err)
	}
	if err := a.conn.Send(&protocol.LevelSetup{Config: setup}); err != nil {
		return fmt.Errorf("sending setup: %w", err)
	}
	a.logger.Infof("setup sent", map[string]any{
		"clients": a.clients,
		"size":    len(setup),
	})

	a.active = slices.DeleteFunc(slices.Clone(a.clients), func(id string) bool { return left[id] })
	return a.exit(ctx, a.loop(ctx))
}

func (a *Adapter) exit(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// awaitAssignments collects exactly required distinct CLIENT_ASSIGN
// messages. Clients that leave meanwhile are returned in left.
func (a *Adapter) awaitAssignments(ctx context.Context, required int) (map[string]bool, error) {
	left := make(map[string]bool)
	for len(a.clients) < required {
		msg, err := a.conn.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("waiting for assignments: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.ClientAssign:
			if slices.Contains(a.clients, m.ClientID) {
				a.logger.Debugf("ignoring duplicate assignment", map[string]any{"client": m.ClientID})
				continue
			}
			a.clients = append(a.clients, m.ClientID)
			a.logger.Infof("client assigned", map[string]any{
				"client": m.ClientID,
				"slot":   fmt.Sprintf("%d/%d", len(a.clients), required),
			})
		case *protocol.ClientLeave:
			left[m.ClientID] = true
		default:
			a.unexpected(msg)
		}
	}
	return left, nil
}

func (a *Adapter) loop(ctx context.Context) error {
	for {
		if len(a.active) == 0 {
			a.logger.Info("all clients left, stopping")
			return nil
		}
		if err := a.barrier(ctx); err != nil {
			return err
		}
		if len(a.active) == 0 {
			continue
		}

		actions := make(map[string][]byte, len(a.active))
		for _, id := range a.active {
			actions[id] = a.queues[id][0]
			a.queues[id] = a.queues[id][1:]
		}

		obs, err := a.sim.Step(actions)
		over := errors.Is(err, ErrRoundOver)
		if err != nil && !over {
			return fmt.Errorf("step %d: %w", a.ticks, err)
		}
		a.ticks++

		batch := &protocol.Obs{Entries: make([]protocol.ObsEntry, 0, len(a.active))}
		for _, id := range a.active {
			data, ok := obs[id]
			if !ok {
				a.logger.Warnf("simulation returned no observation", map[string]any{"client": id, "tick": a.ticks})
				continue
			}
			batch.Entries = append(batch.Entries, protocol.ObsEntry{ClientID: id, Data: data})
		}
		if err := a.conn.Send(batch); err != nil {
			return fmt.Errorf("sending observations: %w", err)
		}

		if over {
			a.logger.Infof("round over", map[string]any{"ticks": a.ticks})
			return nil
		}
	}
}

// barrier blocks until every active client has at least one queued action.
// Actions are queued FIFO per client so a fast client never overwrites its
// own earlier input.
func (a *Adapter) barrier(ctx context.Context) error {
	for !a.ready() {
		msg, err := a.conn.Recv(ctx)
		if err != nil {
			return fmt.Errorf("waiting for actions: %w", err)
		}
		switch m := msg.(type) {
		case *protocol.Action:
			if !slices.Contains(a.active, m.ClientID) {
				a.logger.Warnf("action from unknown client", map[string]any{"client": m.ClientID})
				continue
			}
			a.queues[m.ClientID] = append(a.queues[m.ClientID], m.Payload)
		case *protocol.ClientLeave:
			a.remove(m.ClientID)
		default:
			a.unexpected(msg)
		}
	}
	return nil
}

func (a *Adapter) ready() bool {
	for _, id := range a.active {
		if len(a.queues[id]) == 0 {
			return false
		}
	}
	return true
}

func (a *Adapter) remove(id string) {
	i := slices.Index(a.active, id)
	if i < 0 {
		return
	}
	a.active = slices.Delete(a.active, i, i+1)
	delete(a.queues, id)
	a.logger.Infof("client left", map[string]any{
		"client":    id,
		"remaining": len(a.active),
	})
}

func (a *Adapter) unexpected(msg protocol.Message) {
	a.logger.Warnf("unexpected message", map[string]any{"type": msg.Type().String()})
}
