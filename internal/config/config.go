// Package config provides configuration loading and validation for arbiter.
// Supports YAML files with ${VAR} expansion and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted by Load.
const EnvConfigPath = "ARBITER_CONFIG"

// DefaultConfigFile is the file Load looks for in the working directory.
const DefaultConfigFile = "arbiter.yaml"

// Config holds all configuration for the router, its workers and clients.
// It is built once at startup and passed by value from then on.
type Config struct {
	Router        RouterConfig        `yaml:"router"`
	Workers       WorkersConfig       `yaml:"workers"`
	Transport     TransportConfig     `yaml:"transport"`
	Client        ClientConfig        `yaml:"client"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type RouterConfig struct {
	Network          string        `yaml:"network" env:"ARBITER_NETWORK"`
	Addr             string        `yaml:"addr" env:"ARBITER_ADDR"`
	RecvTimeout      time.Duration `yaml:"recvTimeout" env:"ARBITER_RECV_TIMEOUT"`
	AssignmentPolicy string        `yaml:"assignmentPolicy" env:"ARBITER_ASSIGNMENT_POLICY"`
}

type WorkersConfig struct {
	Count int      `yaml:"count" env:"ARBITER_WORKERS"`
	IDs   []string `yaml:"ids" env:"ARBITER_WORKER_IDS"`
	// External disables spawning; an outside trainer starts the workers.
	External    bool          `yaml:"external" env:"ARBITER_EXTERNAL_WORKERS"`
	Command     string        `yaml:"command" env:"ARBITER_WORKER_COMMAND"`
	Args        []string      `yaml:"args"`
	Level       string        `yaml:"level" env:"ARBITER_LEVEL"`
	Seed        int64         `yaml:"seed" env:"ARBITER_SEED"`
	GracePeriod time.Duration `yaml:"gracePeriod" env:"ARBITER_GRACE_PERIOD"`
}

type TransportConfig struct {
	Compression       string `yaml:"compression" env:"ARBITER_COMPRESSION"`
	CompressThreshold int    `yaml:"compressThreshold" env:"ARBITER_COMPRESS_THRESHOLD"`
	MaxFrameSize      int32  `yaml:"maxFrameSize" env:"ARBITER_MAX_FRAME_SIZE"`
	InboxSize         int    `yaml:"inboxSize" env:"ARBITER_INBOX_SIZE"`
}

type ClientConfig struct {
	Kind  string `yaml:"kind" env:"ARBITER_CLIENT_KIND"`
	Agent string `yaml:"agent" env:"ARBITER_CLIENT_AGENT"`
}

type ObservabilityConfig struct {
	HealthAddr string `yaml:"healthAddr" env:"ARBITER_HEALTH_ADDR"`
	LogLevel   string `yaml:"logLevel" env:"ARBITER_LOG_LEVEL"`
	LogFormat  string `yaml:"logFormat" env:"ARBITER_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Network:          "unix",
			Addr:             "/tmp/arbiter.sock",
			RecvTimeout:      100 * time.Millisecond,
			AssignmentPolicy: "fill-first",
		},
		Workers: WorkersConfig{
			Count:       1,
			Level:       "duel",
			GracePeriod: 2 * time.Second,
		},
		Transport: TransportConfig{
			Compression:       "none",
			CompressThreshold: 1024,
			MaxFrameSize:      16 * 1024 * 1024, // 16MB
			InboxSize:         1024,
		},
		Client: ClientConfig{
			Kind:  "rl",
			Agent: "random",
		},
		Observability: ObservabilityConfig{
			HealthAddr: ":9090",
			LogLevel:   "info",
			LogFormat:  "json",
		},
	}
}

// Load reads the file named by ARBITER_CONFIG, else ./arbiter.yaml, else
// starts from Default. Environment overrides apply in every case.
func Load() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPath(path)
	}
	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return LoadFromPath(DefaultConfigFile)
	}
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPath reads a YAML file over the defaults, expands ${VAR}
// references, applies environment overrides and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WorkerIDs returns the identities of the expected workers in assignment
// order: the explicit list when given, else worker-0..worker-(count-1).
func (c *Config) WorkerIDs() []string {
	if len(c.Workers.IDs) > 0 {
		return append([]string(nil), c.Workers.IDs...)
	}
	ids := make([]string, c.Workers.Count)
	for i := range ids {
		ids[i] = "worker-" + strconv.Itoa(i)
	}
	return ids
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Router.Network {
	case "unix", "tcp":
	default:
		errs = append(errs, fmt.Errorf("router.network must be unix or tcp, got %q", c.Router.Network))
	}
	if c.Router.Addr == "" {
		errs = append(errs, errors.New("router.addr is required"))
	}
	if c.Router.RecvTimeout <= 0 {
		errs = append(errs, errors.New("router.recvTimeout must be > 0"))
	}
	switch c.Router.AssignmentPolicy {
	case "fill-first", "round-robin", "affinity":
	default:
		errs = append(errs, fmt.Errorf("router.assignmentPolicy must be fill-first, round-robin or affinity, got %q", c.Router.AssignmentPolicy))
	}

	if len(c.Workers.IDs) == 0 && c.Workers.Count < 1 {
		errs = append(errs, errors.New("workers.count must be >= 1"))
	}
	seen := make(map[string]bool, len(c.Workers.IDs))
	for _, id := range c.Workers.IDs {
		if id == "" {
			errs = append(errs, errors.New("workers.ids must not contain empty ids"))
		} else if seen[id] {
			errs = append(errs, fmt.Errorf("workers.ids contains duplicate %q", id))
		}
		seen[id] = true
	}
	if c.Workers.GracePeriod < 0 {
		errs = append(errs, errors.New("workers.gracePeriod must be >= 0"))
	}

	switch c.Transport.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("transport.compression %q is not supported", c.Transport.Compression))
	}
	if c.Transport.MaxFrameSize < 1024 {
		errs = append(errs, errors.New("transport.maxFrameSize must be >= 1024"))
	}
	if c.Transport.InboxSize < 1 {
		errs = append(errs, errors.New("transport.inboxSize must be >= 1"))
	}

	switch c.Client.Kind {
	case "human", "rl":
	default:
		errs = append(errs, fmt.Errorf("client.kind must be human or rl, got %q", c.Client.Kind))
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
