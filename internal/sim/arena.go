package sim

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dray-io/arbiter/internal/worker"
)

// Moves lists the move names an Action may carry, in schema order.
var Moves = []string{"none", "up", "down", "left", "right"}

var moveDirs = map[string][2]float64{
	"":      {0, 0},
	"none":  {0, 0},
	"up":    {0, -1},
	"down":  {0, 1},
	"left":  {-1, 0},
	"right": {1, 0},
}

var playerColors = []string{"#e6194b", "#3cb44b", "#4363d8", "#f58231", "#911eb4", "#46f0f0"}

const (
	playerSize = 1.0
	goalSize   = 0.5
)

// Setup is the LEVEL_SETUP payload: how to draw every entity and what an
// action must look like.
type Setup struct {
	Level    string       `msgpack:"level"`
	Width    float64      `msgpack:"width"`
	Height   float64      `msgpack:"height"`
	MaxTicks int          `msgpack:"max_ticks"`
	Entities []EntitySpec `msgpack:"entities"`
	Actions  ActionSchema `msgpack:"actions"`
}

// EntitySpec is the static draw config of one entity.
type EntitySpec struct {
	ID    string  `msgpack:"id"`
	Kind  string  `msgpack:"kind"`
	Shape string  `msgpack:"shape"`
	Size  float64 `msgpack:"size"`
	Color string  `msgpack:"color"`
}

// ActionSchema lists the values an Action may use.
type ActionSchema struct {
	Moves     []string `msgpack:"moves"`
	Abilities []string `msgpack:"abilities"`
}

// Action is one client's input for one tick.
type Action struct {
	Move    string `msgpack:"move"`
	Ability string `msgpack:"ability,omitempty"`
}

// EntityState is the dynamic state of one entity in an observation.
type EntityState struct {
	ID       string  `msgpack:"id"`
	X        float64 `msgpack:"x"`
	Y        float64 `msgpack:"y"`
	Shielded bool    `msgpack:"shielded,omitempty"`
}

// Observation is one client's view after a tick.
type Observation struct {
	Tick     int           `msgpack:"tick"`
	Entities []EntityState `msgpack:"entities"`
	Reward   float64       `msgpack:"reward"`
	Score    float64       `msgpack:"score"`
	Done     bool          `msgpack:"done"`
}

// Player is a client-controlled entity.
type Player struct {
	ID          string
	X, Y        float64
	ShieldTicks int
	Score       float64
	cooldowns   map[string]int
}

// Arena is a small goal-chasing game: players move on a bounded plane and
// score by reaching the goal, which then respawns elsewhere.
type Arena struct {
	cfg       LevelConfig
	abilities map[string]Ability
	rng       *rand.Rand

	players []*Player
	byID    map[string]*Player
	goalX   float64
	goalY   float64
	tick    int

	// Rejected counts undecodable actions, which are treated as "none".
	Rejected int
}

// NewArena creates an arena for a level. It fails on unknown abilities.
func NewArena(cfg LevelConfig) (*Arena, error) {
	if cfg.Players < 1 {
		return nil, fmt.Errorf("level %q needs at least one player", cfg.Name)
	}
	abilities, err := NewAbilities(cfg.Abilities)
	if err != nil {
		return nil, fmt.Errorf("level %q: %w", cfg.Name, err)
	}
	a := &Arena{
		cfg:       cfg,
		abilities: make(map[string]Ability, len(abilities)),
		rng:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		byID:      make(map[string]*Player),
	}
	for _, ab := range abilities {
		a.abilities[ab.Name()] = ab
	}
	return a, nil
}

// Register returns the number of players the level needs.
func (a *Arena) Register() int {
	return a.cfg.Players
}

// BuildSetup places one player per client and the goal, and describes them.
func (a *Arena) BuildSetup(clients []string) ([]byte, error) {
	if len(clients) != a.cfg.Players {
		return nil, fmt.Errorf("level %q needs %d players, got %d", a.cfg.Name, a.cfg.Players, len(clients))
	}

	setup := Setup{
		Level:    a.cfg.Name,
		Width:    a.cfg.Width,
		Height:   a.cfg.Height,
		MaxTicks: a.cfg.MaxTicks,
		Actions: ActionSchema{
			Moves:     Moves,
			Abilities: append([]string(nil), a.cfg.Abilities...),
		},
	}
	for i, id := range clients {
		p := &Player{ID: id, cooldowns: make(map[string]int)}
		p.X, p.Y = a.randomPoint()
		a.players = append(a.players, p)
		a.byID[id] = p
		setup.Entities = append(setup.Entities, EntitySpec{
			ID:    id,
			Kind:  "player",
			Shape: "circle",
			Size:  playerSize,
			Color: playerColors[i%len(playerColors)],
		})
	}
	a.goalX, a.goalY = a.randomPoint()
	setup.Entities = append(setup.Entities, EntitySpec{
		ID:    "goal",
		Kind:  "goal",
		Shape: "square",
		Size:  goalSize,
		Color: "#ffe119",
	})
	return msgpack.Marshal(&setup)
}

// Step applies one action per client, advances the arena and returns one
// serialized observation per acting client. The final tick returns
// worker.ErrRoundOver along with the observations.
func (a *Arena) Step(actions map[string][]byte) (map[string][]byte, error) {
	a.tick++
	rewards := make(map[string]float64, len(actions))

	for _, p := range a.players {
		raw, ok := actions[p.ID]
		if !ok {
			continue
		}
		var act Action
		if err := msgpack.Unmarshal(raw, &act); err != nil {
			a.Rejected++
		}
		a.apply(p, act)
	}

	// Shielded players have first claim on the goal.
	var winner *Player
	for _, p := range a.players {
		if p.ShieldTicks > 0 {
			p.ShieldTicks--
		}
		for name, cd := range p.cooldowns {
			if cd > 0 {
				p.cooldowns[name] = cd - 1
			}
		}
		if math.Hypot(p.X-a.goalX, p.Y-a.goalY) > (playerSize+goalSize)/2 {
			continue
		}
		if winner == nil || (p.ShieldTicks > 0 && winner.ShieldTicks == 0) {
			winner = p
		}
	}
	if winner != nil {
		winner.Score++
		rewards[winner.ID] = 1
		a.goalX, a.goalY = a.randomPoint()
	}

	done := a.cfg.MaxTicks > 0 && a.tick >= a.cfg.MaxTicks
	entities := a.entities()
	out := make(map[string][]byte, len(actions))
	for id := range actions {
		p := a.byID[id]
		if p == nil {
			continue
		}
		data, err := msgpack.Marshal(&Observation{
			Tick:     a.tick,
			Entities: entities,
			Reward:   rewards[id],
			Score:    p.Score,
			Done:     done,
		})
		if err != nil {
			return nil, fmt.Errorf("encoding observation for %s: %w", id, err)
		}
		out[id] = data
	}
	if done {
		return out, worker.ErrRoundOver
	}
	return out, nil
}

func (a *Arena) apply(p *Player, act Action) {
	dir, ok := moveDirs[act.Move]
	if !ok {
		a.Rejected++
	}
	p.X += dir[0] * a.cfg.Speed
	p.Y += dir[1] * a.cfg.Speed

	if act.Ability != "" {
		ab, ok := a.abilities[act.Ability]
		if ok && p.cooldowns[act.Ability] == 0 {
			ab.Apply(p, dir[0], dir[1])
			// One extra tick because cooldowns tick down at the end of this step.
			p.cooldowns[act.Ability] = ab.Cooldown() + 1
		}
	}

	p.X = clamp(p.X, 0, a.cfg.Width)
	p.Y = clamp(p.Y, 0, a.cfg.Height)
}

func (a *Arena) entities() []EntityState {
	out := make([]EntityState, 0, len(a.players)+1)
	for _, p := range a.players {
		out = append(out, EntityState{ID: p.ID, X: p.X, Y: p.Y, Shielded: p.ShieldTicks > 0})
	}
	return append(out, EntityState{ID: "goal", X: a.goalX, Y: a.goalY})
}

// Player returns the player entity bound to a client, or nil.
func (a *Arena) Player(id string) *Player {
	return a.byID[id]
}

// Tick returns the number of completed steps.
func (a *Arena) Tick() int {
	return a.tick
}

func (a *Arena) randomPoint() (float64, float64) {
	return a.rng.Float64() * a.cfg.Width, a.rng.Float64() * a.cfg.Height
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
