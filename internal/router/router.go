// Package router implements the broker that sequences worker registration,
// client assignment and setup distribution, then relays actions and
// observations between clients and their workers.
//
// The Router's control loop is single-threaded. It is the only reader of the
// transport inbox and the only writer of the routing tables, so the tables
// carry no locks.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/metrics"
	"github.com/dray-io/arbiter/internal/protocol"
	"github.com/dray-io/arbiter/internal/transport"
)

// Phase is a state of the Router's state machine.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseRegisteringWorkers
	PhaseAssigningClients
	PhaseDistributingSetup
	PhaseRelaying
	PhaseShuttingDown
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseRegisteringWorkers:
		return "REGISTERING_WORKERS"
	case PhaseAssigningClients:
		return "ASSIGNING_CLIENTS"
	case PhaseDistributingSetup:
		return "DISTRIBUTING_SETUP"
	case PhaseRelaying:
		return "RELAYING"
	case PhaseShuttingDown:
		return "SHUTTING_DOWN"
	case PhaseTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// ErrWorkerDied is returned by Run when an expected worker exits or
// disconnects before registering.
var ErrWorkerDied = errors.New("router: worker died before registering")

// Transport is the Router's view of the listening socket.
type Transport interface {
	// Recv returns the next inbound envelope or transport.ErrTimeout.
	Recv(ctx context.Context, timeout time.Duration) (transport.Envelope, error)
	Send(to string, frame []byte) error
}

// Liveness reports whether a worker's process is still running.
type Liveness interface {
	Alive(id string) bool
}

// Config is the Router's immutable configuration.
type Config struct {
	// Workers lists the expected worker identities in assignment order.
	Workers     []string
	RecvTimeout time.Duration
	// Policy picks the slot for each pending client. Nil means FillFirst.
	Policy Policy
}

// Router owns the routing tables and drives the state machine.
type Router struct {
	cfg     Config
	tr      Transport
	live    Liveness
	logger  *logging.Logger
	metrics *metrics.RouterMetrics

	tables *Tables
	phase  atomic.Int32
}

// New creates a Router. live may be nil when workers are started by someone
// else; connection loss is then the only failure signal.
func New(cfg Config, tr Transport, live Liveness, logger *logging.Logger) *Router {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	if cfg.Policy == nil {
		cfg.Policy = FillFirst{}
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 100 * time.Millisecond
	}
	return &Router{
		cfg:    cfg,
		tr:     tr,
		live:   live,
		logger: logger,
		tables: NewTables(cfg.Workers),
	}
}

// WithMetrics sets the router metrics.
// Returns the router for method chaining.
func (r *Router) WithMetrics(m *metrics.RouterMetrics) *Router {
	r.metrics = m
	return r
}

// Phase returns the current phase. Safe for concurrent use.
func (r *Router) Phase() Phase {
	return Phase(r.phase.Load())
}

// Ready returns nil once the Router is relaying steady-state traffic.
func (r *Router) Ready() error {
	if p := r.Phase(); p != PhaseRelaying {
		return fmt.Errorf("router is %s", p)
	}
	return nil
}

// Terminate marks the Router as terminated after shutdown has completed.
func (r *Router) Terminate() {
	r.setPhase(PhaseTerminated)
}

func (r *Router) setPhase(p Phase) {
	prev := Phase(r.phase.Swap(int32(p)))
	if prev == p {
		return
	}
	if r.metrics != nil {
		r.metrics.SetPhase(int(p))
	}
	r.logger.Infof("router phase changed", map[string]any{
		"from": prev.String(),
		"to":   p.String(),
	})
}

// Run drives the state machine until ctx is cancelled or the transport is
// closed, both of which return nil. It returns ErrWorkerDied when startup
// cannot complete.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Infof("router starting", map[string]any{
		"workers": r.cfg.Workers,
		"policy":  r.cfg.Policy.Name(),
	})
	r.setPhase(PhaseRegisteringWorkers)

	lastCheck := time.Now()
	for {
		env, err := r.tr.Recv(ctx, r.cfg.RecvTimeout)
		switch {
		case err == nil:
			err = r.handle(env)
			// Steady traffic never times out, so liveness is also polled
			// once per receive window.
			if err == nil && time.Since(lastCheck) >= r.cfg.RecvTimeout {
				err = r.checkLiveness()
				lastCheck = time.Now()
			}
		case errors.Is(err, transport.ErrTimeout):
			err = r.checkLiveness()
			lastCheck = time.Now()
		case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			r.setPhase(PhaseShuttingDown)
			return nil
		default:
			r.setPhase(PhaseShuttingDown)
			return fmt.Errorf("router receive: %w", err)
		}
		if err != nil {
			r.logger.Errorf("aborting startup", map[string]any{"error": err.Error()})
			r.setPhase(PhaseShuttingDown)
			return err
		}
		r.advance()
	}
}

// advance moves through as many phases as the current tables allow.
func (r *Router) advance() {
	for {
		switch r.Phase() {
		case PhaseRegisteringWorkers:
			if !r.tables.AllRegistered() {
				return
			}
			r.setPhase(PhaseAssigningClients)
		case PhaseAssigningClients:
			r.assignPending()
			if !r.tables.AllFull() {
				return
			}
			r.setPhase(PhaseDistributingSetup)
		case PhaseDistributingSetup:
			r.flushSetups()
			if !r.tables.AllSetupFlushed() {
				return
			}
			r.setPhase(PhaseRelaying)
		default:
			return
		}
	}
}

func (r *Router) handle(env transport.Envelope) error {
	if env.Closed {
		return r.onDisconnect(env.From, env.Role, "connection closed")
	}
	if r.metrics != nil {
		r.metrics.RecordInbound(env.Type.String())
	}

	switch env.Type {
	case protocol.TypeClientJoin:
		r.onJoin(env)
	case protocol.TypeLevelMaxPlayerNum:
		r.onRegister(env)
	case protocol.TypeLevelSetup:
		r.onSetup(env)
	case protocol.TypeActionHuman, protocol.TypeActionRL:
		r.onAction(env)
	case protocol.TypeObs:
		r.onObs(env)
	default:
		r.drop(env, "unexpected_type")
	}
	return nil
}

func (r *Router) onJoin(env transport.Envelope) {
	if env.Role != protocol.RoleClient || r.tables.Slot(env.From) != nil {
		r.drop(env, "wrong_role")
		return
	}
	if !r.tables.Join(env.From) {
		if c := r.tables.Client(env.From); c != nil && c.Left {
			r.rejectRejoin(c)
			return
		}
		r.logger.Debugf("ignoring duplicate join", map[string]any{"client": env.From})
		r.countDrop("duplicate_join")
		return
	}
	fields := map[string]any{"client": env.From, "pending": len(r.tables.Pending())}
	if r.Phase() > PhaseAssigningClients {
		r.logger.Warnf("client joined after all slots filled, leaving it pending", fields)
	} else {
		r.logger.Infof("client joined", fields)
	}
	r.updateClientGauges()
}

// rejectRejoin answers a client that left and came back under the same id.
// Assignments are never reused, so it is told its session is over instead
// of waiting for a setup that will not come.
func (r *Router) rejectRejoin(c *ClientRecord) {
	r.logger.Warnf("client rejoined after leaving, rejecting", map[string]any{
		"client": c.ID,
		"worker": c.Worker,
	})
	r.countDrop("rejoin_after_leave")
	r.send(c.ID, &protocol.WorkerDown{WorkerID: c.Worker, Reason: "client id already used in this session"})
}

// fromWorker drops env unless it came from an expected worker.
func (r *Router) fromWorker(env transport.Envelope) (*WorkerSlot, bool) {
	if env.Role != protocol.RoleWorker {
		r.drop(env, "wrong_role")
		return nil, false
	}
	s := r.tables.Slot(env.From)
	if s == nil {
		r.drop(env, "unknown_worker")
		return nil, false
	}
	return s, true
}

func (r *Router) onRegister(env transport.Envelope) {
	if _, ok := r.fromWorker(env); !ok {
		return
	}
	var m protocol.LevelMaxPlayerNum
	if !r.decode(env, &m) {
		return
	}
	if err := r.tables.Register(env.From, int(m.Count)); err != nil {
		r.logger.Warnf("rejecting registration", map[string]any{
			"worker": env.From,
			"error":  err.Error(),
		})
		r.countDrop("bad_registration")
		return
	}
	r.logger.Infof("worker registered", map[string]any{
		"worker":   env.From,
		"required": m.Count,
	})
}

// onSetup caches LEVEL_SETUP in any phase; it is flushed once the worker's
// slot is full.
func (r *Router) onSetup(env transport.Envelope) {
	s, ok := r.fromWorker(env)
	if !ok {
		return
	}
	if s.Down {
		r.drop(env, "worker_down")
		return
	}
	if s.Setup != nil || s.SetupFlushed {
		r.drop(env, "duplicate_setup")
		return
	}
	var m protocol.LevelSetup
	if !r.decode(env, &m) {
		return
	}
	s.Setup = m.Config
	r.logger.Debugf("setup cached", map[string]any{
		"worker":   env.From,
		"size":     len(m.Config),
		"assigned": len(s.Assigned),
		"required": s.Required,
	})
}

func (r *Router) onAction(env transport.Envelope) {
	c := r.tables.Client(env.From)
	switch {
	case c == nil || c.Worker == "":
		r.drop(env, "unassigned_client")
		return
	case !c.SetupDelivered:
		r.drop(env, "before_setup")
		return
	}
	m := protocol.Action{Kind: protocol.ActionHuman}
	if env.Type == protocol.TypeActionRL {
		m.Kind = protocol.ActionRL
	}
	if !r.decode(env, &m) {
		return
	}
	if m.ClientID != env.From {
		r.logger.Warnf("action identity mismatch", map[string]any{
			"from":     env.From,
			"embedded": m.ClientID,
		})
		r.countDrop("identity_mismatch")
		return
	}
	if r.tables.Slot(c.Worker).Down {
		r.countDrop("worker_down")
		return
	}
	r.forward(c.Worker, env.Type, env.Frame)
}

// onObs fans a worker's batch out as one OBS_DATA per entry. Only the outer
// entry list is decoded; each entry's bytes go out as they came in.
func (r *Router) onObs(env transport.Envelope) {
	if _, ok := r.fromWorker(env); !ok {
		return
	}
	var m protocol.Obs
	if !r.decode(env, &m) {
		return
	}
	for _, e := range m.Entries {
		c := r.tables.Client(e.ClientID)
		if c == nil || c.Worker != env.From {
			r.logger.Warnf("observation for foreign client", map[string]any{
				"worker": env.From,
				"client": e.ClientID,
			})
			r.countDrop("foreign_client")
			continue
		}
		if c.Left {
			continue
		}
		r.forward(e.ClientID, protocol.TypeObsData, protocol.Encode(&protocol.ObsData{Data: e.Data}))
	}
}

func (r *Router) onDisconnect(id string, role protocol.Role, reason string) error {
	if s := r.tables.Slot(id); s != nil && role == protocol.RoleWorker {
		return r.workerLost(s, reason)
	}
	if r.tables.RemovePending(id) {
		r.logger.Infof("pending client left", map[string]any{"client": id})
		r.updateClientGauges()
		return nil
	}
	if c, ok := r.tables.Leave(id); ok {
		r.logger.Infof("client left", map[string]any{
			"client": id,
			"worker": c.Worker,
		})
		if !r.tables.Slot(c.Worker).Down {
			r.send(c.Worker, &protocol.ClientLeave{ClientID: id})
		}
	}
	return nil
}

// workerLost handles a worker that disconnected or whose process exited.
// Before registration this aborts startup; afterwards the worker's clients
// are told with WORKER_DOWN.
func (r *Router) workerLost(s *WorkerSlot, reason string) error {
	if !s.Registered {
		return fmt.Errorf("%w: %s (%s)", ErrWorkerDied, s.ID, reason)
	}
	if s.Down {
		return nil
	}
	s.Down = true
	s.Setup = nil
	if r.metrics != nil {
		r.metrics.RecordWorkerDown()
	}
	r.logger.Warnf("worker down", map[string]any{
		"worker":  s.ID,
		"reason":  reason,
		"clients": s.Assigned,
	})
	for _, id := range s.Assigned {
		if c := r.tables.Client(id); c != nil && !c.Left {
			r.send(id, &protocol.WorkerDown{WorkerID: s.ID, Reason: reason})
		}
	}
	return nil
}

// checkLiveness runs on every receive timeout and at least once per receive
// window under load.
func (r *Router) checkLiveness() error {
	if r.live == nil {
		return nil
	}
	for _, s := range r.tables.Slots() {
		if s.Down || r.live.Alive(s.ID) {
			continue
		}
		if err := r.workerLost(s, "process exited"); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) assignPending() {
	assigned := false
	for pending := r.tables.Pending(); len(pending) > 0; pending = r.tables.Pending() {
		s := r.cfg.Policy.Next(pending[0], r.tables.Slots())
		if s == nil {
			break
		}
		id, err := r.tables.Assign(s)
		if err != nil {
			r.logger.Errorf("assignment failed", map[string]any{"error": err.Error()})
			break
		}
		assigned = true
		r.logger.Infof("client assigned", map[string]any{
			"client": id,
			"worker": s.ID,
			"slot":   fmt.Sprintf("%d/%d", len(s.Assigned), s.Required),
		})
		r.send(s.ID, &protocol.ClientAssign{ClientID: id})
	}
	if assigned {
		r.updateClientGauges()
	}
}

// flushSetups forwards every cached setup whose slot is full to all of that
// slot's clients, byte for byte, then clears the cache.
func (r *Router) flushSetups() {
	for _, s := range r.tables.Slots() {
		if s.Down || s.SetupFlushed || s.Setup == nil || !s.Full() {
			continue
		}
		frame := protocol.Encode(&protocol.ClientSetup{Config: s.Setup})
		for _, id := range s.Assigned {
			c := r.tables.Client(id)
			if c.Left {
				continue
			}
			if r.forward(id, protocol.TypeClientSetup, frame) {
				c.SetupDelivered = true
			}
		}
		s.Setup = nil
		s.SetupFlushed = true
		r.logger.Infof("setup distributed", map[string]any{
			"worker":  s.ID,
			"clients": s.Assigned,
		})
	}
}

func (r *Router) send(to string, m protocol.Message) bool {
	return r.forward(to, m.Type(), protocol.Encode(m))
}

func (r *Router) forward(to string, t protocol.Type, frame []byte) bool {
	if err := r.tr.Send(to, frame); err != nil {
		r.logger.Warnf("send failed", map[string]any{
			"to":    to,
			"type":  t.String(),
			"error": err.Error(),
		})
		r.countDrop("send_failed")
		return false
	}
	if r.metrics != nil {
		r.metrics.RecordOutbound(t.String())
	}
	return true
}

func (r *Router) decode(env transport.Envelope, m protocol.Message) bool {
	if err := m.ReadFrom(env.Frame[1:]); err != nil {
		r.logger.Warnf("dropping malformed message", map[string]any{
			"from":  env.From,
			"type":  env.Type.String(),
			"error": err.Error(),
		})
		r.countDrop("malformed")
		return false
	}
	return true
}

func (r *Router) drop(env transport.Envelope, reason string) {
	r.logger.Warnf("unexpected message", map[string]any{
		"from":   env.From,
		"role":   env.Role.String(),
		"type":   env.Type.String(),
		"size":   len(env.Frame),
		"reason": reason,
	})
	r.countDrop(reason)
}

func (r *Router) countDrop(reason string) {
	if r.metrics != nil {
		r.metrics.RecordDropped(reason)
	}
}

func (r *Router) updateClientGauges() {
	if r.metrics != nil {
		r.metrics.SetClients(r.tables.AssignedCount(), len(r.tables.Pending()))
	}
}
