package main

import (
	"context"
	"errors"
	"io"

	"github.com/dray-io/arbiter/internal/client"
	"github.com/dray-io/arbiter/internal/config"
	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/protocol"
	"github.com/dray-io/arbiter/internal/sim"
	"github.com/dray-io/arbiter/internal/transport"
)

// ClientOptions contains the configuration for one client session.
type ClientOptions struct {
	Config *config.Config
	Logger *logging.Logger
	ID     string
	Seed   uint64
	// In and Out are the terminal of a human agent.
	In  io.Reader
	Out io.Writer
}

// serveClient joins the router with the configured agent and plays until
// the agent quits, the worker goes down or ctx is cancelled.
func serveClient(ctx context.Context, opts ClientOptions) error {
	if opts.ID == "" {
		return errors.New("client id is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	cfg := opts.Config

	kind, err := protocol.ParseActionKind(cfg.Client.Kind)
	if err != nil {
		return err
	}
	factory, err := sim.LookupAgent(cfg.Client.Agent)
	if err != nil {
		return err
	}
	agent := factory(sim.AgentOptions{Seed: opts.Seed, In: opts.In, Out: opts.Out})

	tc, err := transportConfig(cfg)
	if err != nil {
		return err
	}
	conn, err := transport.Dial(ctx, tc, opts.ID, protocol.RoleClient, opts.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	opts.Logger.Infof("client connected", map[string]any{
		"kind":  kind.String(),
		"agent": cfg.Client.Agent,
	})

	adapter := client.New(conn, opts.ID, kind, agent, opts.Logger)
	err = adapter.Run(ctx)

	fields := map[string]any{"ticks": adapter.Ticks()}
	if scorer, ok := agent.(interface{ Score() float64 }); ok {
		fields["score"] = scorer.Score()
	}
	opts.Logger.Infof("client finished", fields)
	return err
}
