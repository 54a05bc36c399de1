package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/arbiter/internal/client"
	"github.com/dray-io/arbiter/internal/config"
	"github.com/dray-io/arbiter/internal/logging"
	"github.com/dray-io/arbiter/internal/sim"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	// Handle version flag before subcommand parsing
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("arbiterd version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "router":
		runRouter(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	case "client":
		runClient(os.Args[2:])
	case "version":
		fmt.Printf("arbiterd version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: arbiterd <command> [options]

Commands:
  router      Start the router and spawn the simulation workers
  worker      Run one simulation worker against a router
  client      Join a router as a player (human terminal or agent)
  version     Print version information

Run 'arbiterd <command> --help' for more information on a command.`)
}

// loadConfig reads the file given by --config, else falls back to Load.
func loadConfig(path string) *config.Config {
	var cfg *config.Config
	var err error
	if path != "" {
		cfg, err = config.LoadFromPath(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// validated re-checks the config after CLI overrides.
func validated(cfg *config.Config) *config.Config {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runRouter(args []string) {
	fs := flag.NewFlagSet("router", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	network := fs.String("network", "", "Override transport network (unix or tcp)")
	addr := fs.String("addr", "", "Override router endpoint (socket path or host:port)")
	healthAddr := fs.String("health-addr", "", "Override health endpoint address (e.g., :9090)")
	workers := fs.Int("workers", 0, "Override number of simulation workers")
	level := fs.String("level", "", "Override level run by spawned workers")
	policy := fs.String("policy", "", "Override assignment policy (fill-first, round-robin or affinity)")
	external := fs.Bool("external", false, "Do not spawn workers; wait for externally started ones")

	fs.Usage = func() {
		fmt.Println(`Usage: arbiterd router [options]

Start the router. It spawns the configured workers, assigns joining
clients to them, distributes each worker's level setup and relays
actions and observations until it receives SIGINT or SIGTERM.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)

	// Apply CLI overrides
	if *network != "" {
		cfg.Router.Network = *network
	}
	if *addr != "" {
		cfg.Router.Addr = *addr
	}
	if *healthAddr != "" {
		cfg.Observability.HealthAddr = *healthAddr
	}
	if *workers > 0 {
		cfg.Workers.Count = *workers
		cfg.Workers.IDs = nil
	}
	if *level != "" {
		cfg.Workers.Level = *level
	}
	if *policy != "" {
		cfg.Router.AssignmentPolicy = *policy
	}
	if *external {
		cfg.Workers.External = true
	}
	validated(cfg)

	if _, err := sim.LookupLevel(cfg.Workers.Level, 0); err != nil && cfg.Workers.Command == "" {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat, "router", "")

	daemon, err := NewDaemon(DaemonOptions{
		Config:  cfg,
		Logger:  logger,
		Version: version,
	})
	if err != nil {
		logger.Errorf("failed to create router", map[string]any{"error": err.Error()})
		os.Exit(1)
	}

	// Start blocks until the router stops: on SIGINT/SIGTERM, on transport
	// close or when a worker dies during startup.
	runErr := daemon.Start(context.Background())
	if runErr != nil {
		logger.Errorf("router error", map[string]any{"error": runErr.Error()})
	}

	// Graceful shutdown
	logger.Info("initiating graceful shutdown")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := daemon.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func runWorker(args []string) {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", os.Getenv(envWorkerID), "Worker identity (must be one the router expects)")
	network := fs.String("network", "", "Override transport network (unix or tcp)")
	addr := fs.String("addr", "", "Override router endpoint (socket path or host:port)")
	level := fs.String("level", "", "Override level to simulate")
	seed := fs.Int64("seed", -1, "Override level seed")

	fs.Usage = func() {
		fmt.Println(`Usage: arbiterd worker [options]

Run one simulation worker. The router normally spawns workers itself;
run this by hand together with 'arbiterd router --external'.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *network != "" {
		cfg.Router.Network = *network
	}
	if *addr != "" {
		cfg.Router.Addr = *addr
	}
	if *level != "" {
		cfg.Workers.Level = *level
	}
	if *seed >= 0 {
		cfg.Workers.Seed = *seed
	}
	validated(cfg)

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat, "worker", *id)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serveWorker(ctx, WorkerOptions{Config: cfg, Logger: logger, ID: *id}); err != nil {
		logger.Errorf("worker error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func runClient(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	id := fs.String("id", "", "Client identity (default: auto-generated UUID)")
	network := fs.String("network", "", "Override transport network (unix or tcp)")
	addr := fs.String("addr", "", "Override router endpoint (socket path or host:port)")
	kind := fs.String("kind", "", "Override action kind (human or rl)")
	agent := fs.String("agent", "", "Override agent (random or human)")
	seed := fs.Uint64("seed", 0, "Seed for the random agent (default: derived from the id)")

	fs.Usage = func() {
		fmt.Println(`Usage: arbiterd client [options]

Join a router as one player. The human agent reads w/a/s/d, ability
numbers and q from stdin; the random agent stands in for a policy.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	if *network != "" {
		cfg.Router.Network = *network
	}
	if *addr != "" {
		cfg.Router.Addr = *addr
	}
	if *agent != "" {
		cfg.Client.Agent = *agent
		if *agent == "human" && *kind == "" {
			cfg.Client.Kind = "human"
		}
	}
	if *kind != "" {
		cfg.Client.Kind = *kind
	}
	validated(cfg)

	clientID := *id
	if clientID == "" {
		clientID = uuid.New().String()
	}
	agentSeed := *seed
	if agentSeed == 0 {
		u := uuid.NewSHA1(uuid.NameSpaceOID, []byte(clientID))
		for _, b := range u[:8] {
			agentSeed = agentSeed<<8 | uint64(b)
		}
	}

	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat, "client", clientID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := serveClient(ctx, ClientOptions{
		Config: cfg,
		Logger: logger,
		ID:     clientID,
		Seed:   agentSeed,
		In:     os.Stdin,
		Out:    os.Stdout,
	})
	switch {
	case err == nil:
	case errors.Is(err, client.ErrWorkerDown):
		logger.Warnf("session ended by worker loss", map[string]any{"error": err.Error()})
		os.Exit(2)
	default:
		logger.Errorf("client error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
