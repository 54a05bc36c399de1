package router

import (
	"fmt"
	"slices"
)

// WorkerSlot is the Router's view of one simulation worker.
type WorkerSlot struct {
	ID       string
	Required int
	// Assigned lists clients in admission order.
	Assigned []string
	// Setup caches LEVEL_SETUP until it is flushed to every assigned client.
	Setup        []byte
	SetupFlushed bool
	Registered   bool
	// Down is set once the worker disconnects or its process exits after
	// registration. A down slot accepts no further traffic.
	Down bool
}

// Open reports whether the slot can accept another client.
func (s *WorkerSlot) Open() bool {
	return s.Registered && !s.Down && len(s.Assigned) < s.Required
}

// Full reports whether the slot has all the clients it asked for.
func (s *WorkerSlot) Full() bool {
	return s.Registered && len(s.Assigned) == s.Required
}

// ClientRecord is the Router's view of one client.
type ClientRecord struct {
	ID string
	// Worker is set exactly once, on assignment.
	Worker         string
	SetupDelivered bool
	Left           bool
}

// Tables holds the routing state. Only the Router's control loop touches it.
type Tables struct {
	slots   []*WorkerSlot
	byID    map[string]*WorkerSlot
	clients map[string]*ClientRecord
	pending []string
}

// NewTables creates one unregistered slot per expected worker, in order.
func NewTables(workers []string) *Tables {
	t := &Tables{
		byID:    make(map[string]*WorkerSlot, len(workers)),
		clients: make(map[string]*ClientRecord),
	}
	for _, id := range workers {
		s := &WorkerSlot{ID: id}
		t.slots = append(t.slots, s)
		t.byID[id] = s
	}
	return t
}

// Slots returns the worker slots in configured order.
func (t *Tables) Slots() []*WorkerSlot {
	return t.slots
}

// Slot returns the slot for a worker id, or nil.
func (t *Tables) Slot(id string) *WorkerSlot {
	return t.byID[id]
}

// Client returns the record for a client id, or nil.
func (t *Tables) Client(id string) *ClientRecord {
	return t.clients[id]
}

// Register records a worker's required player count. It fails for unknown
// workers, repeated registration and counts below one.
func (t *Tables) Register(id string, required int) error {
	s := t.byID[id]
	switch {
	case s == nil:
		return fmt.Errorf("unknown worker %q", id)
	case s.Registered:
		return fmt.Errorf("worker %q already registered", id)
	case required < 1:
		return fmt.Errorf("worker %q declared %d players", id, required)
	}
	s.Required = required
	s.Registered = true
	return nil
}

// Join queues a new client. It returns false if the client is already known.
func (t *Tables) Join(id string) bool {
	if _, ok := t.clients[id]; ok {
		return false
	}
	t.clients[id] = &ClientRecord{ID: id}
	t.pending = append(t.pending, id)
	return true
}

// Pending returns the queued client ids in join order.
func (t *Tables) Pending() []string {
	return t.pending
}

// Assign binds the oldest pending client to the slot and returns its id.
func (t *Tables) Assign(s *WorkerSlot) (string, error) {
	if len(t.pending) == 0 {
		return "", fmt.Errorf("no pending clients")
	}
	if !s.Open() {
		return "", fmt.Errorf("worker %q is not accepting clients", s.ID)
	}
	id := t.pending[0]
	c := t.clients[id]
	if c.Worker != "" {
		return "", fmt.Errorf("client %q already assigned to %q", id, c.Worker)
	}
	t.pending = t.pending[1:]
	c.Worker = s.ID
	s.Assigned = append(s.Assigned, id)
	return id, nil
}

// RemovePending drops an unassigned client that went away. It returns false
// if the client was not pending.
func (t *Tables) RemovePending(id string) bool {
	i := slices.Index(t.pending, id)
	if i < 0 {
		return false
	}
	t.pending = slices.Delete(t.pending, i, i+1)
	delete(t.clients, id)
	return true
}

// Leave marks an assigned client as gone. The routing entry is kept so the
// assignment is never reused.
func (t *Tables) Leave(id string) (*ClientRecord, bool) {
	c := t.clients[id]
	if c == nil || c.Worker == "" || c.Left {
		return nil, false
	}
	c.Left = true
	return c, true
}

// AllRegistered reports whether every expected worker has registered.
func (t *Tables) AllRegistered() bool {
	for _, s := range t.slots {
		if !s.Registered {
			return false
		}
	}
	return true
}

// AllFull reports whether no slot can take more clients. Down slots count
// as done.
func (t *Tables) AllFull() bool {
	for _, s := range t.slots {
		if s.Open() {
			return false
		}
	}
	return true
}

// AllSetupFlushed reports whether every live worker's setup has reached its
// clients.
func (t *Tables) AllSetupFlushed() bool {
	for _, s := range t.slots {
		if !s.Down && !s.SetupFlushed {
			return false
		}
	}
	return true
}

// AssignedCount returns the number of clients bound to a worker.
func (t *Tables) AssignedCount() int {
	n := 0
	for _, s := range t.slots {
		n += len(s.Assigned)
	}
	return n
}

// Check verifies that the client map and the per-slot lists are mutual
// inverses and that no slot is over capacity.
func (t *Tables) Check() error {
	seen := make(map[string]string)
	for _, s := range t.slots {
		if len(s.Assigned) > s.Required {
			return fmt.Errorf("worker %q has %d clients, wants %d", s.ID, len(s.Assigned), s.Required)
		}
		for _, id := range s.Assigned {
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("client %q assigned to both %q and %q", id, prev, s.ID)
			}
			seen[id] = s.ID
			c := t.clients[id]
			if c == nil || c.Worker != s.ID {
				return fmt.Errorf("client %q listed under %q but not mapped back", id, s.ID)
			}
		}
	}
	for id, c := range t.clients {
		if c.Worker != "" && seen[id] != c.Worker {
			return fmt.Errorf("client %q maps to %q but is not in its list", id, c.Worker)
		}
	}
	return nil
}
