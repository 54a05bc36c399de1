package router

import (
	"fmt"
	"hash/fnv"
)

// Policy picks the slot that receives the next pending client.
type Policy interface {
	Name() string
	// Next returns an open slot for client, or nil if none is open.
	Next(client string, slots []*WorkerSlot) *WorkerSlot
}

// FillFirst gives the first open slot in configured order every client
// until it is full. Earlier workers have first claim on the queue.
type FillFirst struct{}

func (FillFirst) Name() string { return "fill-first" }

func (FillFirst) Next(_ string, slots []*WorkerSlot) *WorkerSlot {
	for _, s := range slots {
		if s.Open() {
			return s
		}
	}
	return nil
}

// RoundRobin deals clients across open slots in turn.
type RoundRobin struct {
	cursor int
}

func (*RoundRobin) Name() string { return "round-robin" }

func (p *RoundRobin) Next(_ string, slots []*WorkerSlot) *WorkerSlot {
	for i := 0; i < len(slots); i++ {
		s := slots[(p.cursor+i)%len(slots)]
		if s.Open() {
			p.cursor = (p.cursor + i + 1) % len(slots)
			return s
		}
	}
	return nil
}

// Affinity sends each client to the open slot with the highest rendezvous
// score for its identity, so a reconnecting client with the same id lands
// on the same worker whenever that worker still has room.
type Affinity struct{}

func (Affinity) Name() string { return "affinity" }

func (Affinity) Next(client string, slots []*WorkerSlot) *WorkerSlot {
	var best *WorkerSlot
	var bestScore uint64
	for _, s := range slots {
		if !s.Open() {
			continue
		}
		if score := rendezvousScore(s.ID, client); best == nil || score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

// rendezvousScore is FNV-1a over worker, separator, client.
func rendezvousScore(worker, client string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(worker))
	h.Write([]byte{0})
	h.Write([]byte(client))
	return h.Sum64()
}

// ParsePolicy returns the policy with the given name. Empty means fill-first.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case "", "fill-first":
		return FillFirst{}, nil
	case "round-robin":
		return &RoundRobin{}, nil
	case "affinity":
		return Affinity{}, nil
	default:
		return nil, fmt.Errorf("unknown assignment policy %q", name)
	}
}
