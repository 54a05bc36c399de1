package main

import (
	"context"
	"fmt"

	"github.com/dray-io/arbiter/internal/config"
	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
	"github.com/dray-io/arbiter/internal/sim"
	"github.com/dray-io/arbiter/internal/transport"
	"github.com/dray-io/arbiter/internal/worker"
)

// envWorkerID carries a spawned worker's identity.
const envWorkerID = "ARBITER_WORKER_ID"

// WorkerOptions contains the configuration for one simulation worker.
type WorkerOptions struct {
	Config *config.Config
	Logger *logging.Logger
	ID     string
}

// serveWorker runs one arena round for the configured level against the
// router and returns when the round is over, every client left or ctx is
// cancelled.
func serveWorker(ctx context.Context, opts WorkerOptions) error {
	if opts.ID == "" {
		return fmt.Errorf("worker id is required (--id or %s)", envWorkerID)
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	cfg := opts.Config

	level, err := sim.LookupLevel(cfg.Workers.Level, uint64(cfg.Workers.Seed))
	if err != nil {
		return err
	}
	arena, err := sim.NewArena(level)
	if err != nil {
		return err
	}

	tc, err := transportConfig(cfg)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, tc, opts.ID, protocol.RoleWorker, opts.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	opts.Logger.Infof("worker connected", map[string]any{
		"level":   level.Name,
		"players": level.Players,
		"seed":    level.Seed,
	})

	adapter := worker.New(conn, arena, opts.Logger)
	err = adapter.Run(ctx)
	opts.Logger.Infof("worker finished", map[string]any{
		"ticks":    adapter.Ticks(),
		"clients":  adapter.Clients(),
		"rejected": arena.Rejected,
	})
	return err
}
