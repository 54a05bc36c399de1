// Package supervisor spawns worker processes, watches termination signals
// and performs a graceful-then-forced shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/metrics"
)

var (
	// ErrUnknownProcess is returned for an id that was never spawned.
	ErrUnknownProcess = errors.New("supervisor: unknown process")

	// ErrShuttingDown is returned by Spawn once shutdown has begun.
	ErrShuttingDown = errors.New("supervisor: shutting down")
)

// Config configures a Supervisor.
type Config struct {
	// GracePeriod is how long children get to exit after SIGTERM before
	// they are killed.
	GracePeriod time.Duration
}

type child struct {
	id     string
	cmd    *exec.Cmd
	done   chan struct{}
	exited atomic.Bool
	err    error
}

// Supervisor owns the worker child processes.
type Supervisor struct {
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.SupervisorMetrics

	mu       sync.Mutex
	children map[string]*child
	closers  []func() error

	running      atomic.Bool
	shutdownOnce atomic.Bool
	reapWg       sync.WaitGroup
}

// New creates a Supervisor.
func New(cfg Config, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	s := &Supervisor{
		cfg:      cfg,
		logger:   logger,
		children: make(map[string]*child),
	}
	s.running.Store(true)
	return s
}

// WithMetrics sets the supervisor metrics.
// Returns the supervisor for method chaining.
func (s *Supervisor) WithMetrics(m *metrics.SupervisorMetrics) *Supervisor {
	s.metrics = m
	return s
}

// Running reports whether shutdown has not started yet.
func (s *Supervisor) Running() bool {
	return s.running.Load()
}

// Spawn starts argv as a child process identified by id. The child inherits
// stdout and stderr and gets env appended to the parent's environment.
func (s *Supervisor) Spawn(id string, argv []string, env []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("spawn %s: empty command", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return ErrShuttingDown
	}
	if _, exists := s.children[id]; exists {
		return fmt.Errorf("spawn %s: already running", id)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), env...)
	cmd.SysProcAttr = childAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	c := &child{id: id, cmd: cmd, done: make(chan struct{})}
	s.children[id] = c
	if s.metrics != nil {
		s.metrics.ChildStarted()
	}
	s.logger.Infof("spawned process", map[string]any{
		"id":  id,
		"pid": cmd.Process.Pid,
		"cmd": argv[0],
	})

	s.reapWg.Add(1)
	go s.reap(c)
	return nil
}

// reap waits for the child so it never lingers as a zombie.
func (s *Supervisor) reap(c *child) {
	defer s.reapWg.Done()
	err := c.cmd.Wait()

	s.mu.Lock()
	c.err = err
	c.exited.Store(true)
	s.mu.Unlock()
	close(c.done)

	if s.metrics != nil {
		s.metrics.ChildExited()
	}
	fields := map[string]any{
		"id":   c.id,
		"pid":  c.cmd.Process.Pid,
		"code": c.cmd.ProcessState.ExitCode(),
	}
	if err != nil && s.running.Load() {
		fields["error"] = err.Error()
		s.logger.Warnf("process exited", fields)
	} else {
		s.logger.Infof("process exited", fields)
	}
}

// Alive reports whether the process spawned as id is still running.
// Unknown ids are reported as not alive.
func (s *Supervisor) Alive(id string) bool {
	s.mu.Lock()
	c := s.children[id]
	s.mu.Unlock()
	return c != nil && !c.exited.Load()
}

// Pids returns the pid of every child that is still running, keyed by id.
func (s *Supervisor) Pids() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make(map[string]int, len(s.children))
	for id, c := range s.children {
		if !c.exited.Load() {
			pids[id] = c.cmd.Process.Pid
		}
	}
	return pids
}

// Wait blocks until the child spawned as id exits and returns its Wait error.
func (s *Supervisor) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	c := s.children[id]
	s.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnShutdown registers a function run at the end of Shutdown, after every
// child has been reaped. Closers run in reverse registration order.
func (s *Supervisor) OnShutdown(closer func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, closer)
}

// WatchSignals calls onSignal once for the first SIGINT or SIGTERM. It
// returns when a signal arrives or ctx is done.
func (s *Supervisor) WatchSignals(ctx context.Context, onSignal func(os.Signal)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		s.logger.Infof("received signal", map[string]any{"signal": sig.String()})
		s.stopSpawning()
		onSignal(sig)
	case <-ctx.Done():
	}
}

// Shutdown terminates every live child, waits up to the grace period,
// kills survivors, reaps all of them and then runs the registered closers.
// Only the first call does anything; later calls return nil.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if !s.shutdownOnce.CompareAndSwap(false, true) {
		return nil
	}
	s.stopSpawning()

	s.logger.Info("shutting down processes")
	s.signalAll(unix.SIGTERM)

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	exited := make(chan struct{})
	go func() {
		s.reapWg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-grace.C:
		s.logger.Warnf("grace period elapsed, killing survivors", map[string]any{
			"gracePeriod": s.cfg.GracePeriod.String(),
			"survivors":   s.survivors(),
		})
		s.signalAll(unix.SIGKILL)
	case <-ctx.Done():
		s.signalAll(unix.SIGKILL)
	}
	// SIGKILL cannot be ignored, so this returns promptly.
	<-exited

	var errs []error
	s.mu.Lock()
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info("processes stopped")
	return errors.Join(errs...)
}

// stopSpawning makes later Spawn calls fail. Holding mu orders it against a
// Spawn in progress, so every reapWg.Add happens before Shutdown waits.
func (s *Supervisor) stopSpawning() {
	s.mu.Lock()
	s.running.Store(false)
	s.mu.Unlock()
}

// signalAll sends sig to every child that has not been reaped. os.Process
// refuses to signal a process after Wait has returned, so a reaped child is
// never signalled again.
func (s *Supervisor) signalAll(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children {
		if c.exited.Load() {
			continue
		}
		err := c.cmd.Process.Signal(sig)
		if err == nil && s.metrics != nil {
			s.metrics.RecordSignal(sig.String())
		}
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warnf("signal failed", map[string]any{
				"id":     c.id,
				"pid":    c.cmd.Process.Pid,
				"signal": sig.String(),
				"error":  err.Error(),
			})
		}
	}
}

func (s *Supervisor) survivors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, c := range s.children {
		if !c.exited.Load() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
