package sim

import "fmt"

// Ability is a special action a player can trigger when it is off cooldown.
type Ability interface {
	Name() string
	// Cooldown is the number of ticks before the ability can be used again.
	Cooldown() int
	Apply(p *Player, dx, dy float64)
}

// AbilityFactory creates an Ability.
type AbilityFactory func() Ability

// Abilities is the registry of abilities a level may enable.
var Abilities = map[string]AbilityFactory{
	"dash":   func() Ability { return dash{distance: 3} },
	"shield": func() Ability { return shield{duration: 5} },
}

// NewAbilities instantiates the named abilities in order.
func NewAbilities(names []string) ([]Ability, error) {
	out := make([]Ability, 0, len(names))
	for _, name := range names {
		f, ok := Abilities[name]
		if !ok {
			return nil, fmt.Errorf("unknown ability %q", name)
		}
		out = append(out, f())
	}
	return out, nil
}

type dash struct {
	distance float64
}

func (dash) Name() string  { return "dash" }
func (dash) Cooldown() int { return 10 }

// Apply jumps in the current move direction.
func (d dash) Apply(p *Player, dx, dy float64) {
	p.X += dx * d.distance
	p.Y += dy * d.distance
}

type shield struct {
	duration int
}

func (shield) Name() string  { return "shield" }
func (shield) Cooldown() int { return 20 }

// Apply protects the player. A shielded player wins the goal over unshielded
// ones reaching it on the same tick.
func (s shield) Apply(p *Player, _, _ float64) {
	p.ShieldTicks = s.duration
}
