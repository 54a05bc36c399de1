package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
)

type fakeConn struct {
	in  chan protocol.Message
	out chan protocol.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:  make(chan protocol.Message, 64),
		out: make(chan protocol.Message, 64),
	}
}

func (c *fakeConn) Send(m protocol.Message) error {
	c.out <- m
	return nil
}

func (c *fakeConn) Recv(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-c.out:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func (c *fakeConn) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case m := <-c.out:
		t.Fatalf("unexpected %s", m.Type())
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeSim struct {
	players  int
	lastTick int

	mu      sync.Mutex
	clients []string
	steps   []map[string][]byte
}

func (s *fakeSim) Register() int { return s.players }

func (s *fakeSim) BuildSetup(clients []string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = clients
	return []byte("setup"), nil
}

func (s *fakeSim) Step(actions map[string][]byte) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, actions)
	obs := make(map[string][]byte, len(actions))
	for id, a := range actions {
		obs[id] = append([]byte("obs:"), a...)
	}
	if s.lastTick > 0 && len(s.steps) >= s.lastTick {
		return obs, ErrRoundOver
	}
	return obs, nil
}

func (s *fakeSim) stepCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

type run struct {
	conn   *fakeConn
	sim    *fakeSim
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, sim *fakeSim) *run {
	t.Helper()
	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)

	r := &run{conn: newFakeConn(), sim: sim, done: make(chan error, 1)}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	a := New(r.conn, sim, logger)
	go func() { r.done <- a.Run(ctx) }()
	t.Cleanup(cancel)
	return r
}

func (r *run) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

// handshake registers, assigns the clients and consumes the setup.
func (r *run) handshake(t *testing.T, clients ...string) {
	t.Helper()
	reg, ok := r.conn.next(t).(*protocol.LevelMaxPlayerNum)
	require.True(t, ok)
	require.Equal(t, int32(len(clients)), reg.Count)
	for _, c := range clients {
		r.conn.in <- &protocol.ClientAssign{ClientID: c}
	}
	_, ok = r.conn.next(t).(*protocol.LevelSetup)
	require.True(t, ok)
}

func (r *run) action(id, payload string) {
	r.conn.in <- &protocol.Action{Kind: protocol.ActionRL, ClientID: id, Payload: []byte(payload)}
}

func (r *run) obs(t *testing.T) *protocol.Obs {
	t.Helper()
	m, ok := r.conn.next(t).(*protocol.Obs)
	require.True(t, ok)
	return m
}

func TestRegistersAndSendsSetupOnce(t *testing.T) {
	r := start(t, &fakeSim{players: 2})

	reg := r.conn.next(t).(*protocol.LevelMaxPlayerNum)
	assert.Equal(t, int32(2), reg.Count)

	r.conn.in <- &protocol.ClientAssign{ClientID: "a"}
	r.conn.in <- &protocol.ClientAssign{ClientID: "a"}
	r.conn.assertQuiet(t)

	r.conn.in <- &protocol.ClientAssign{ClientID: "b"}
	setup := r.conn.next(t).(*protocol.LevelSetup)
	assert.Equal(t, []byte("setup"), setup.Config)

	r.sim.mu.Lock()
	assert.Equal(t, []string{"a", "b"}, r.sim.clients)
	r.sim.mu.Unlock()
	r.conn.assertQuiet(t)
}

func TestBarrierWaitsForEveryClient(t *testing.T) {
	r := start(t, &fakeSim{players: 2})
	r.handshake(t, "a", "b")

	r.action("a", "a1")
	r.action("a", "a2")
	r.conn.assertQuiet(t)
	assert.Equal(t, 0, r.sim.stepCount(), "stepped on partial input")

	r.action("b", "b1")
	obs := r.obs(t)
	require.Len(t, obs.Entries, 2)
	assert.Equal(t, "a", obs.Entries[0].ClientID)
	assert.Equal(t, []byte("obs:a1"), obs.Entries[0].Data)
	assert.Equal(t, "b", obs.Entries[1].ClientID)
	assert.Equal(t, []byte("obs:b1"), obs.Entries[1].Data)

	// a2 was queued, not overwritten.
	r.action("b", "b2")
	obs = r.obs(t)
	assert.Equal(t, []byte("obs:a2"), obs.Entries[0].Data)
	assert.Equal(t, []byte("obs:b2"), obs.Entries[1].Data)
}

func TestClientLeaveReleasesBarrier(t *testing.T) {
	r := start(t, &fakeSim{players: 2})
	r.handshake(t, "a", "b")

	r.action("a", "a1")
	r.conn.in <- &protocol.ClientLeave{ClientID: "b"}

	obs := r.obs(t)
	require.Len(t, obs.Entries, 1)
	assert.Equal(t, "a", obs.Entries[0].ClientID)

	r.conn.in <- &protocol.ClientLeave{ClientID: "a"}
	assert.NoError(t, r.wait(t))
}

func TestLeaveDuringAssignment(t *testing.T) {
	r := start(t, &fakeSim{players: 2})
	r.conn.next(t)
	r.conn.in <- &protocol.ClientAssign{ClientID: "a"}
	r.conn.in <- &protocol.ClientLeave{ClientID: "a"}
	r.conn.in <- &protocol.ClientAssign{ClientID: "b"}
	r.conn.next(t)

	r.action("b", "b1")
	obs := r.obs(t)
	require.Len(t, obs.Entries, 1)
	assert.Equal(t, "b", obs.Entries[0].ClientID)
}

func TestRoundOverSendsFinalObservations(t *testing.T) {
	r := start(t, &fakeSim{players: 1, lastTick: 2})
	r.handshake(t, "a")

	r.action("a", "1")
	r.obs(t)
	r.action("a", "2")
	r.obs(t)
	assert.NoError(t, r.wait(t))
}

func TestActionFromUnknownClientIgnored(t *testing.T) {
	r := start(t, &fakeSim{players: 1})
	r.handshake(t, "a")

	r.action("zed", "x")
	r.conn.assertQuiet(t)
	r.action("a", "1")
	obs := r.obs(t)
	require.Len(t, obs.Entries, 1)
}

func TestCancelStopsCleanly(t *testing.T) {
	r := start(t, &fakeSim{players: 1})
	r.conn.next(t)
	r.cancel()
	assert.NoError(t, r.wait(t))
}

type failingSim struct{ fakeSim }

func (s *failingSim) Step(map[string][]byte) (map[string][]byte, error) {
	return nil, errors.New("physics exploded")
}

func TestStepErrorIsReturned(t *testing.T) {
	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)
	conn := newFakeConn()
	a := New(conn, &failingSim{fakeSim{players: 1}}, logger)

	conn.in <- &protocol.ClientAssign{ClientID: "a"}
	conn.in <- &protocol.Action{ClientID: "a"}
	err := a.Run(context.Background())
	assert.ErrorContains(t, err, "physics exploded")
	assert.Equal(t, []string{"a"}, a.Clients())
	assert.Equal(t, 0, a.Ticks())
}

func TestRejectsZeroPlayers(t *testing.T) {
	a := New(newFakeConn(), &fakeSim{players: 0}, nil)
	assert.Error(t, a.Run(context.Background()))
}
