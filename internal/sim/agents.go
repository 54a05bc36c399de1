package sim

import (
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dray-io/arbiter/internal/client"
)

// AgentOptions carries what an agent factory may need.
type AgentOptions struct {
	Seed uint64
	In   io.Reader
	Out  io.Writer
}

// AgentFactory creates a client.Agent.
type AgentFactory func(opts AgentOptions) client.Agent

// Agents is the registry of client agents.
var Agents = map[string]AgentFactory{
	"random": func(opts AgentOptions) client.Agent { return NewRandomAgent(opts.Seed) },
	"human":  func(opts AgentOptions) client.Agent { return NewHumanAgent(opts.In, opts.Out) },
}

// LookupAgent returns the named agent factory.
func LookupAgent(name string) (AgentFactory, error) {
	f, ok := Agents[name]
	if !ok {
		names := make([]string, 0, len(Agents))
		for n := range Agents {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown agent %q (have %v)", name, names)
	}
	return f, nil
}

// RandomAgent stands in for a trained policy: it picks a random move each
// tick and occasionally an ability. It quits when the round is done.
type RandomAgent struct {
	rng    *rand.Rand
	schema ActionSchema
	last   Observation
}

// NewRandomAgent creates a RandomAgent with a fixed seed.
func NewRandomAgent(seed uint64) *RandomAgent {
	return &RandomAgent{rng: rand.New(rand.NewPCG(seed, seed+1))}
}

func (a *RandomAgent) Setup(config []byte) error {
	var s Setup
	if err := msgpack.Unmarshal(config, &s); err != nil {
		return fmt.Errorf("decoding setup: %w", err)
	}
	a.schema = s.Actions
	return nil
}

func (a *RandomAgent) Consume(obs []byte) error {
	if err := msgpack.Unmarshal(obs, &a.last); err != nil {
		return fmt.Errorf("decoding observation: %w", err)
	}
	if a.last.Done {
		return client.ErrQuit
	}
	return nil
}

func (a *RandomAgent) ProduceAction() ([]byte, error) {
	act := Action{Move: "none"}
	if len(a.schema.Moves) > 0 {
		act.Move = a.schema.Moves[a.rng.IntN(len(a.schema.Moves))]
	}
	if len(a.schema.Abilities) > 0 && a.rng.IntN(10) == 0 {
		act.Ability = a.schema.Abilities[a.rng.IntN(len(a.schema.Abilities))]
	}
	return msgpack.Marshal(&act)
}

// Score returns the score from the latest observation.
func (a *RandomAgent) Score() float64 {
	return a.last.Score
}

var humanKeys = map[string]string{
	"":  "none",
	"w": "up",
	"s": "down",
	"a": "left",
	"d": "right",
}

// HumanAgent reads one command per tick from a terminal: w/a/s/d to move,
// a digit to trigger the numbered ability, q to quit. An empty line stands
// still.
type HumanAgent struct {
	in     *bufio.Scanner
	out    io.Writer
	schema ActionSchema
	last   Observation
}

// NewHumanAgent creates a HumanAgent reading from in and writing to out.
func NewHumanAgent(in io.Reader, out io.Writer) *HumanAgent {
	return &HumanAgent{in: bufio.NewScanner(in), out: out}
}

func (h *HumanAgent) Setup(config []byte) error {
	var s Setup
	if err := msgpack.Unmarshal(config, &s); err != nil {
		return fmt.Errorf("decoding setup: %w", err)
	}
	h.schema = s.Actions
	fmt.Fprintf(h.out, "level %s (%gx%g, %d ticks), %d entities\n", s.Level, s.Width, s.Height, s.MaxTicks, len(s.Entities))
	fmt.Fprintln(h.out, "move with w/a/s/d, empty line to wait, q to quit")
	for i, name := range s.Actions.Abilities {
		fmt.Fprintf(h.out, "  %d: %s\n", i+1, name)
	}
	return nil
}

func (h *HumanAgent) Consume(obs []byte) error {
	if err := msgpack.Unmarshal(obs, &h.last); err != nil {
		return fmt.Errorf("decoding observation: %w", err)
	}
	fmt.Fprintf(h.out, "tick %d score %g", h.last.Tick, h.last.Score)
	if h.last.Reward > 0 {
		fmt.Fprint(h.out, " +goal")
	}
	fmt.Fprintln(h.out)
	for _, e := range h.last.Entities {
		fmt.Fprintf(h.out, "  %-12s %6.2f %6.2f\n", e.ID, e.X, e.Y)
	}
	if h.last.Done {
		fmt.Fprintln(h.out, "round over")
		return client.ErrQuit
	}
	return nil
}

func (h *HumanAgent) ProduceAction() ([]byte, error) {
	for {
		fmt.Fprint(h.out, "> ")
		if !h.in.Scan() {
			if err := h.in.Err(); err != nil {
				return nil, err
			}
			return nil, client.ErrQuit
		}
		act, ok, quit := h.parse(strings.TrimSpace(h.in.Text()))
		if quit {
			return nil, client.ErrQuit
		}
		if ok {
			return msgpack.Marshal(&act)
		}
		fmt.Fprintln(h.out, "unknown command")
	}
}

func (h *HumanAgent) parse(line string) (act Action, ok, quit bool) {
	if line == "q" {
		return Action{}, false, true
	}
	if move, found := humanKeys[line]; found {
		return Action{Move: move}, true, false
	}
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(h.schema.Abilities) {
		return Action{Move: "none", Ability: h.schema.Abilities[n-1]}, true, false
	}
	return Action{}, false, false
}
