// Package sim holds the reference simulation a worker runs and the agents a
// client can drive it with. Levels and abilities are looked up in
// package-level registries fixed at compile time.
package sim

import (
	"fmt"
	"sort"
)

// LevelConfig describes one round. It is built once by a LevelFactory and
// passed by value; nothing mutates it afterwards.
type LevelConfig struct {
	Name      string
	Players   int
	Width     float64
	Height    float64
	MaxTicks  int
	Speed     float64
	Abilities []string
	Seed      uint64
}

// LevelFactory builds a level for the given seed.
type LevelFactory func(seed uint64) LevelConfig

// Levels is the registry of playable levels.
var Levels = map[string]LevelFactory{
	"solo": func(seed uint64) LevelConfig {
		return LevelConfig{
			Name:     "solo",
			Players:  1,
			Width:    10,
			Height:   10,
			MaxTicks: 50,
			Speed:    1,
			Seed:     seed,
		}
	},
	"duel": func(seed uint64) LevelConfig {
		return LevelConfig{
			Name:      "duel",
			Players:   2,
			Width:     20,
			Height:    20,
			MaxTicks:  200,
			Speed:     1,
			Abilities: []string{"dash"},
			Seed:      seed,
		}
	},
	"arena": func(seed uint64) LevelConfig {
		return LevelConfig{
			Name:      "arena",
			Players:   4,
			Width:     40,
			Height:    40,
			MaxTicks:  500,
			Speed:     1.5,
			Abilities: []string{"dash", "shield"},
			Seed:      seed,
		}
	},
}

// LookupLevel returns the named level built for seed.
func LookupLevel(name string, seed uint64) (LevelConfig, error) {
	f, ok := Levels[name]
	if !ok {
		return LevelConfig{}, fmt.Errorf("unknown level %q (have %v)", name, LevelNames())
	}
	return f(seed), nil
}

// LevelNames returns the registered level names, sorted.
func LevelNames() []string {
	names := make([]string, 0, len(Levels))
	for name := range Levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
