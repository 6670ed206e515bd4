package supervisor

import (
	"sync"
	"time"
)

// DrainState is the shutdown state of a backend handle.
type DrainState int

const (
	// StateRunning forwards responses normally.
	StateRunning DrainState = iota
	// StateDraining refuses new forwards and waits for in-flight ones.
	StateDraining
	// StateDrained means every in-flight forward finished.
	StateDrained
)

func (s DrainState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateDrained:
		return "drained"
	default:
		return "unknown"
	}
}

// Drain is a shutdown flag with an attached in-flight counter. Forwarders
// bracket each delivery with Enter and Leave; the shutdown initiator calls
// Wait.
type Drain struct {
	mu       sync.Mutex
	state    DrainState
	inFlight int
	idle     chan struct{} // closed while inFlight == 0
}

// NewDrain returns a drain in StateRunning.
func NewDrain() *Drain {
	idle := make(chan struct{})
	close(idle)
	return &Drain{idle: idle}
}

// Enter registers one forward. It returns false once shutdown has begun, in
// which case the caller must not forward and must not call Leave.
func (d *Drain) Enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return false
	}
	if d.inFlight == 0 {
		d.idle = make(chan struct{})
	}
	d.inFlight++
	return true
}

// Leave ends a forward started by a successful Enter.
func (d *Drain) Leave() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight == 0 {
		return
	}
	d.inFlight--
	if d.inFlight == 0 {
		close(d.idle)
	}
}

// Begin starts shutdown. Later Enter calls fail.
func (d *Drain) Begin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateRunning {
		d.state = StateDraining
	}
}

// Wait begins shutdown and blocks until no forward is in flight or timeout
// elapses. It reports whether the drain completed.
func (d *Drain) Wait(timeout time.Duration) bool {
	d.Begin()

	d.mu.Lock()
	idle := d.idle
	d.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		d.mu.Lock()
		d.state = StateDrained
		d.mu.Unlock()
		return true
	case <-timer.C:
		return false
	}
}

// State returns the current state.
func (d *Drain) State() DrainState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// InFlight returns the number of forwards in progress.
func (d *Drain) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight
}
