package observer

import "sync"

// GateState is the state of a Gate.
type GateState int

const (
	// Blocked means a delivery is outstanding; no further delivery may start.
	Blocked GateState = iota
	// Ready means the next delivery may start.
	Ready
)

// String returns "blocked" or "ready".
func (s GateState) String() string {
	if s == Ready {
		return "ready"
	}
	return "blocked"
}

// Gate is a two-state latch guarding deliveries. It starts Blocked.
//
// Every Acquire starts a new generation; Release only takes effect for the
// current generation, so a late signal for an old delivery cannot open the
// gate for a newer one.
//
// Thread-safety: all methods are safe for concurrent use.
type Gate struct {
	mu       sync.Mutex
	state    GateState
	gen      uint64
	released chan struct{} // 1-buffered, coalesces Blocked→Ready wakeups
}

// NewGate returns a Blocked gate at generation 0.
func NewGate() *Gate {
	return &Gate{released: make(chan struct{}, 1)}
}

// State returns the current state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Generation returns the current generation.
func (g *Gate) Generation() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gen
}

// Acquire moves Ready → Blocked and returns the new generation. It returns
// false when the gate is already Blocked.
func (g *Gate) Acquire() (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Ready {
		return 0, false
	}
	g.state = Blocked
	g.gen++
	return g.gen, true
}

// Release moves Blocked → Ready if gen is the current generation. It
// reports whether the gate changed state.
func (g *Gate) Release(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Blocked || gen != g.gen {
		return false
	}
	g.state = Ready
	select {
	case g.released <- struct{}{}:
	default:
	}
	return true
}

// Released signals after a successful Release.
func (g *Gate) Released() <-chan struct{} {
	return g.released
}
