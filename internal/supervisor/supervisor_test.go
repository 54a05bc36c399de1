package supervisor

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/metrics"
)

func newTestSupervisor(t *testing.T, grace time.Duration) (*Supervisor, *metrics.SupervisorMetrics) {
	t.Helper()
	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)
	m := metrics.NewSupervisorMetricsWithRegistry(prometheus.NewRegistry())
	s := New(Config{GracePeriod: grace}, logger).WithMetrics(m)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s, m
}

func TestSpawnAndShutdown(t *testing.T) {
	s, m := newTestSupervisor(t, time.Second)

	require.NoError(t, s.Spawn("w0", []string{"sleep", "30"}, nil))
	require.NoError(t, s.Spawn("w1", []string{"sleep", "30"}, nil))
	assert.True(t, s.Alive("w0"))
	assert.Len(t, s.Pids(), 2)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Children.WithLabelValues(metrics.ChildRunning)))

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "sleep should exit on SIGTERM")

	assert.False(t, s.Alive("w0"))
	assert.False(t, s.Alive("w1"))
	assert.Empty(t, s.Pids())
	assert.False(t, s.Running())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.Children.WithLabelValues(metrics.ChildRunning)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.SignalsTotal.WithLabelValues("terminated")))
}

func TestShutdownKillsAfterGracePeriod(t *testing.T) {
	s, _ := newTestSupervisor(t, 100*time.Millisecond)

	script := `trap "" TERM; while true; do sleep 0.05; done`
	require.NoError(t, s.Spawn("stubborn", []string{"sh", "-c", script}, nil))
	// Let the shell install its trap.
	time.Sleep(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(context.Background()) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not kill the stubborn child")
	}
	assert.False(t, s.Alive("stubborn"))
}

func TestShutdownIsIdempotent(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)
	require.NoError(t, s.Spawn("w0", []string{"sleep", "30"}, nil))

	var closed atomic.Int32
	s.OnShutdown(func() error {
		closed.Add(1)
		return nil
	})

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, int32(1), closed.Load())
}

func TestSpawnRacingShutdownLeavesNoChildren(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	var (
		wg      sync.WaitGroup
		started atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			err := s.Spawn(id, []string{"sleep", "30"}, nil)
			if err == nil {
				started.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrShuttingDown)
		}("w" + strconv.Itoa(i))
	}

	close(start)
	require.NoError(t, s.Shutdown(context.Background()))
	wg.Wait()

	// Every child that got started was reaped before Shutdown returned.
	assert.Empty(t, s.Pids(), "started %d", started.Load())
	assert.ErrorIs(t, s.Spawn("late", []string{"sleep", "30"}, nil), ErrShuttingDown)
}

func TestShutdownRunsClosersInReverseOrder(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	var order []string
	s.OnShutdown(func() error { order = append(order, "transport"); return nil })
	s.OnShutdown(func() error { order = append(order, "health"); return nil })

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, []string{"health", "transport"}, order)
}

func TestShutdownReturnsCloserErrors(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)
	s.OnShutdown(func() error { return os.ErrClosed })
	assert.ErrorIs(t, s.Shutdown(context.Background()), os.ErrClosed)
}

func TestExitedChildIsNotAlive(t *testing.T) {
	s, m := newTestSupervisor(t, time.Second)
	require.NoError(t, s.Spawn("quick", []string{"sh", "-c", "exit 3"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx, "quick")
	var exitErr interface{ ExitCode() int }
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())

	assert.False(t, s.Alive("quick"))
	assert.Empty(t, s.Pids())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Children.WithLabelValues(metrics.ChildExited)))

	// Shutting down with only reaped children signals nothing.
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestSpawnPassesEnvironment(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)
	out := filepath.Join(t.TempDir(), "env")
	require.NoError(t, s.Spawn("env", []string{"sh", "-c", `printf %s "$ARBITER_WORKER_ID" > ` + out},
		[]string{"ARBITER_WORKER_ID=w7"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx, "env"))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "w7", string(data))
}

func TestSpawnErrors(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)

	assert.Error(t, s.Spawn("empty", nil, nil))
	assert.Error(t, s.Spawn("missing", []string{"/nonexistent/binary"}, nil))

	require.NoError(t, s.Spawn("w0", []string{"sleep", "30"}, nil))
	assert.Error(t, s.Spawn("w0", []string{"sleep", "30"}, nil))

	require.NoError(t, s.Shutdown(context.Background()))
	assert.ErrorIs(t, s.Spawn("late", []string{"sleep", "1"}, nil), ErrShuttingDown)
}

func TestAliveUnknown(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)
	assert.False(t, s.Alive("nobody"))
	assert.ErrorIs(t, s.Wait(context.Background(), "nobody"), ErrUnknownProcess)
}

func TestWatchSignals(t *testing.T) {
	// Keep the test binary alive whatever the timing of WatchSignals.
	guard := make(chan os.Signal, 8)
	signal.Notify(guard, syscall.SIGTERM)
	defer signal.Stop(guard)

	s, _ := newTestSupervisor(t, time.Second)
	got := make(chan os.Signal, 1)
	go s.WatchSignals(context.Background(), func(sig os.Signal) { got <- sig })

	require.Eventually(t, func() bool {
		syscall.Kill(os.Getpid(), syscall.SIGTERM)
		select {
		case sig := <-got:
			assert.Equal(t, syscall.SIGTERM, sig)
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, time.Millisecond)

	assert.False(t, s.Running())
}

func TestWatchSignalsReturnsOnCancel(t *testing.T) {
	s, _ := newTestSupervisor(t, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.WatchSignals(ctx, func(os.Signal) { t.Error("unexpected signal") })
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchSignals ignored cancellation")
	}
	assert.True(t, s.Running())
}

func TestCleanStale(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing", func(t *testing.T) {
		assert.NoError(t, CleanStale("unix", filepath.Join(dir, "none.sock")))
	})

	t.Run("tcp", func(t *testing.T) {
		assert.NoError(t, CleanStale("tcp", "127.0.0.1:0"))
	})

	t.Run("stale", func(t *testing.T) {
		path := filepath.Join(dir, "stale.sock")
		ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
		require.NoError(t, err)
		ln.SetUnlinkOnClose(false)
		require.NoError(t, ln.Close())
		_, err = os.Stat(path)
		require.NoError(t, err, "socket file should survive close")

		require.NoError(t, CleanStale("unix", path))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("live", func(t *testing.T) {
		path := filepath.Join(dir, "live.sock")
		ln, err := net.Listen("unix", path)
		require.NoError(t, err)
		defer ln.Close()

		assert.ErrorIs(t, CleanStale("unix", path), ErrEndpointInUse)
		_, err = os.Stat(path)
		assert.NoError(t, err)
	})

	t.Run("not a socket", func(t *testing.T) {
		path := filepath.Join(dir, "file")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		assert.Error(t, CleanStale("unix", path))
	})
}
