package client

import (
	"context"
	"fmt"
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

type recordingAgent struct {
	quitAfter int

	mu       sync.Mutex
	setup    []byte
	consumed [][]byte
	produced int
}

func (a *recordingAgent) Setup(config []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setup = config
	return nil
}

func (a *recordingAgent) Consume(obs []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consumed = append(a.consumed, obs)
	return nil
}

func (a *recordingAgent) ProduceAction() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quitAfter > 0 && a.produced >= a.quitAfter {
		return nil, ErrQuit
	}
	a.produced++
	return []byte(fmt.Sprintf("act-%d", a.produced)), nil
}

func start(t *testing.T, agent Agent) (*fakeConn, context.CancelFunc, chan error) {
	t.Helper()
	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)

	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	a := New(conn, "alice", protocol.ActionRL, agent, logger)
	go func() { done <- a.Run(ctx) }()
	return conn, cancel, done
}

func wait(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func TestJoinSetupAndActLoop(t *testing.T) {
	agent := &recordingAgent{}
	conn, _, _ := start(t, agent)

	_, ok := conn.next(t).(*protocol.ClientJoin)
	require.True(t, ok)

	// Anything before setup is ignored.
	conn.in <- &protocol.ObsData{Data: []byte("early")}
	conn.in <- &protocol.ClientSetup{Config: []byte("cfg")}

	first := conn.next(t).(*protocol.Action)
	assert.Equal(t, "alice", first.ClientID)
	assert.Equal(t, protocol.ActionRL, first.Kind)
	assert.Equal(t, []byte("act-1"), first.Payload)

	conn.in <- &protocol.ObsData{Data: []byte("o1")}
	second := conn.next(t).(*protocol.Action)
	assert.Equal(t, []byte("act-2"), second.Payload)

	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, []byte("cfg"), agent.setup)
	assert.Equal(t, [][]byte{[]byte("o1")}, agent.consumed)
}

func TestWorkerDownBeforeSetup(t *testing.T) {
	conn, _, done := start(t, &recordingAgent{})
	conn.next(t)

	conn.in <- &protocol.WorkerDown{WorkerID: "w0", Reason: "process exited"}
	err := wait(t, done)
	assert.ErrorIs(t, err, ErrWorkerDown)
	assert.Contains(t, err.Error(), "w0")
}

func TestWorkerDownDuringSession(t *testing.T) {
	conn, _, done := start(t, &recordingAgent{})
	conn.next(t)
	conn.in <- &protocol.ClientSetup{Config: []byte("cfg")}
	conn.next(t)

	conn.in <- &protocol.WorkerDown{WorkerID: "w0", Reason: "connection closed"}
	assert.ErrorIs(t, wait(t, done), ErrWorkerDown)
}

func TestAgentQuitEndsCleanly(t *testing.T) {
	conn, _, done := start(t, &recordingAgent{quitAfter: 2})
	conn.next(t)
	conn.in <- &protocol.ClientSetup{}
	conn.next(t)
	conn.in <- &protocol.ObsData{Data: []byte("o1")}
	conn.next(t)
	conn.in <- &protocol.ObsData{Data: []byte("o2")}

	assert.NoError(t, wait(t, done))
}

func TestCancelWhileWaitingForSetup(t *testing.T) {
	conn, cancel, done := start(t, &recordingAgent{})
	conn.next(t)
	cancel()
	assert.NoError(t, wait(t, done))
}
