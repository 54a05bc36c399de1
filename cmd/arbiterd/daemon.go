package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dray-io/arbiter/internal/config"
	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/metrics"
	"github.com/dray-io/arbiter/internal/router"
	"github.com/dray-io/arbiter/internal/server"
	"github.com/dray-io/arbiter/internal/supervisor"
	"github.com/dray-io/arbiter/internal/transport"
)

// DaemonOptions contains the configuration for creating a router daemon.
type DaemonOptions struct {
	Config *config.Config
	Logger *logging.Logger
	// Registry receives the daemon's metrics and backs /metrics. Nil uses
	// the default Prometheus registry.
	Registry *prometheus.Registry
	// Executable is spawned as "<exe> worker" when workers.command is
	// empty. Defaults to os.Executable().
	Executable string
	Version    string
}

// Daemon is a running router together with its workers, transport and
// health endpoint.
type Daemon struct {
	opts   DaemonOptions
	logger *logging.Logger

	listener     *transport.Listener
	healthServer *server.HealthServer
	supervisor   *supervisor.Supervisor
	router       *router.Router

	mu      sync.Mutex
	started bool
}

// NewDaemon creates a Daemon but does not start it.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if _, err := router.ParsePolicy(opts.Config.Router.AssignmentPolicy); err != nil {
		return nil, err
	}
	return &Daemon{
		opts:       opts,
		logger:     opts.Logger,
		supervisor: supervisor.New(supervisor.Config{GracePeriod: opts.Config.Workers.GracePeriod}, opts.Logger),
	}, nil
}

// Start cleans a stale endpoint, binds the transport, starts the health
// server, spawns the workers and runs the router until ctx is cancelled, a
// termination signal arrives or startup fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.opts.Config
	ids := cfg.WorkerIDs()

	d.logger.Infof("starting router daemon", map[string]any{
		"network": cfg.Router.Network,
		"addr":    cfg.Router.Addr,
		"workers": ids,
		"level":   cfg.Workers.Level,
		"version": d.opts.Version,
	})

	routerMetrics, connMetrics, supMetrics := d.newMetrics()
	d.supervisor.WithMetrics(supMetrics)

	if err := supervisor.CleanStale(cfg.Router.Network, cfg.Router.Addr); err != nil {
		return fmt.Errorf("failed to prepare endpoint: %w", err)
	}

	tc, err := transportConfig(cfg)
	if err != nil {
		return err
	}
	listener := transport.NewListener(tc, d.logger).WithMetrics(connMetrics)
	if err := listener.Listen(); err != nil {
		return err
	}
	d.supervisor.OnShutdown(listener.Close)

	policy, err := router.ParsePolicy(cfg.Router.AssignmentPolicy)
	if err != nil {
		return err
	}
	var live router.Liveness
	if !cfg.Workers.External {
		live = d.supervisor
	}
	rt := router.New(router.Config{
		Workers:     ids,
		RecvTimeout: cfg.Router.RecvTimeout,
		Policy:      policy,
	}, listener, live, d.logger).WithMetrics(routerMetrics)

	var health *server.HealthServer
	if cfg.Observability.HealthAddr != "" {
		health = server.NewHealthServer(cfg.Observability.HealthAddr, d.logger)
		health.RegisterHandler("/metrics", d.metricsHandler())
		health.RegisterReadinessCheck(server.NewRouterChecker(rt.Ready))
		if !cfg.Workers.External {
			health.RegisterReadinessCheck(server.NewWorkersChecker(d.supervisor, ids))
		}
		if err := health.Start(); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
		d.supervisor.OnShutdown(health.Close)
		d.logger.Infof("health server started", map[string]any{
			"addr": health.Addr(),
		})
	}

	d.mu.Lock()
	d.listener, d.router, d.healthServer = listener, rt, health
	d.mu.Unlock()

	if cfg.Workers.External {
		d.logger.Infof("waiting for external workers", map[string]any{"workers": ids})
	} else if err := d.spawnWorkers(ids); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.supervisor.WatchSignals(runCtx, func(os.Signal) { cancel() })

	if health != nil {
		health.RegisterGoroutine("router-loop")
		defer health.UnregisterGoroutine("router-loop")
	}
	return rt.Run(runCtx)
}

// spawnWorkers starts one worker process per identity. The children learn
// their endpoint, level and identity from the environment.
func (d *Daemon) spawnWorkers(ids []string) error {
	cfg := d.opts.Config

	argv := append([]string{cfg.Workers.Command}, cfg.Workers.Args...)
	if cfg.Workers.Command == "" {
		exe := d.opts.Executable
		if exe == "" {
			var err error
			if exe, err = os.Executable(); err != nil {
				return fmt.Errorf("failed to locate executable: %w", err)
			}
		}
		argv = append([]string{exe, "worker"}, cfg.Workers.Args...)
	}

	for i, id := range ids {
		if err := d.supervisor.Spawn(id, argv, workerEnv(cfg, id, cfg.Workers.Seed+int64(i))); err != nil {
			return fmt.Errorf("failed to spawn worker: %w", err)
		}
	}
	return nil
}

// Shutdown stops the workers, closes the transport and the health server
// and marks the router terminated.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	rt, health := d.router, d.healthServer
	d.mu.Unlock()

	d.logger.Info("shutting down router daemon")

	if health != nil {
		health.SetShuttingDown()
	}

	err := d.supervisor.Shutdown(ctx)
	if err != nil {
		d.logger.Warnf("error during shutdown", map[string]any{
			"error": err.Error(),
		})
	}

	if rt != nil {
		rt.Terminate()
	}

	d.logger.Info("router daemon shutdown complete")
	return err
}

// Addr returns the bound router endpoint, or nil before Start.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// HealthAddr returns the bound health address, or "" when it is disabled
// or not started yet.
func (d *Daemon) HealthAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.healthServer == nil {
		return ""
	}
	return d.healthServer.Addr()
}

// Phase returns the router phase, or PhaseInit before Start.
func (d *Daemon) Phase() router.Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.router == nil {
		return router.PhaseInit
	}
	return d.router.Phase()
}

func (d *Daemon) newMetrics() (*metrics.RouterMetrics, *metrics.ConnectionMetrics, *metrics.SupervisorMetrics) {
	if reg := d.opts.Registry; reg != nil {
		return metrics.NewRouterMetricsWithRegistry(reg),
			metrics.NewConnectionMetricsWithRegistry(reg),
			metrics.NewSupervisorMetricsWithRegistry(reg)
	}
	return metrics.NewRouterMetrics(), metrics.NewConnectionMetrics(), metrics.NewSupervisorMetrics()
}

func (d *Daemon) metricsHandler() http.Handler {
	if d.opts.Registry != nil {
		return metrics.Handler(d.opts.Registry)
	}
	return metrics.Handler(nil)
}

// transportConfig derives the socket settings shared by every endpoint.
func transportConfig(cfg *config.Config) (transport.Config, error) {
	compression, err := transport.ParseCompression(cfg.Transport.Compression)
	if err != nil {
		return transport.Config{}, err
	}
	tc := transport.DefaultConfig()
	tc.Network = cfg.Router.Network
	tc.Addr = cfg.Router.Addr
	tc.Compression = compression
	tc.CompressThreshold = cfg.Transport.CompressThreshold
	tc.MaxFrameSize = cfg.Transport.MaxFrameSize
	tc.InboxSize = cfg.Transport.InboxSize
	return tc, nil
}

// workerEnv carries the settings a spawned worker must share with the
// router. They override whatever config file the child finds.
func workerEnv(cfg *config.Config, id string, seed int64) []string {
	return []string{
		envWorkerID + "=" + id,
		"ARBITER_NETWORK=" + cfg.Router.Network,
		"ARBITER_ADDR=" + cfg.Router.Addr,
		"ARBITER_LEVEL=" + cfg.Workers.Level,
		"ARBITER_SEED=" + strconv.FormatInt(seed, 10),
		"ARBITER_COMPRESSION=" + cfg.Transport.Compression,
		"ARBITER_COMPRESS_THRESHOLD=" + strconv.Itoa(cfg.Transport.CompressThreshold),
		"ARBITER_MAX_FRAME_SIZE=" + strconv.FormatInt(int64(cfg.Transport.MaxFrameSize), 10),
		"ARBITER_LOG_LEVEL=" + cfg.Observability.LogLevel,
		"ARBITER_LOG_FORMAT=" + cfg.Observability.LogFormat,
	}
}
