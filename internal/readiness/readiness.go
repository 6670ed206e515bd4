// Package readiness decides when the view may leave its loading state: once
// the view has rendered and the backend is ready, in either order.
package readiness

import "sync"

// State is the rendezvous state.
type State string

const (
	StateNeither     State = "neither"
	StateViewOnly    State = "view-only"
	StateBackendOnly State = "backend-only"
	StateNavigated   State = "navigated"
)

// Synchronizer fires its navigate callback exactly once. There is no
// timeout: without a ready backend the view stays in its loading state.
type Synchronizer struct {
	mu            sync.Mutex
	viewRendered  bool
	backendReady  bool
	navigated     bool
	forced        bool
	navigate      func()
	navigatedDone chan struct{}
}

// New creates a synchronizer that calls onNavigate once. onNavigate runs
// outside the lock on the goroutine that completed the rendezvous.
func New(onNavigate func()) *Synchronizer {
	if onNavigate == nil {
		onNavigate = func() {}
	}
	return &Synchronizer{navigate: onNavigate, navigatedDone: make(chan struct{})}
}

// ViewRendered records that the loading surface is displayed.
func (s *Synchronizer) ViewRendered() {
	s.record(func() { s.viewRendered = true })
}

// BackendReady records that the backend completed its handshake.
func (s *Synchronizer) BackendReady() {
	s.record(func() { s.backendReady = true })
}

// ForceNavigate navigates immediately, bypassing the rendezvous.
func (s *Synchronizer) ForceNavigate() {
	s.record(func() { s.forced = true })
}

func (s *Synchronizer) record(mark func()) {
	s.mu.Lock()
	mark()
	fire := !s.navigated && (s.forced || (s.viewRendered && s.backendReady))
	if fire {
		s.navigated = true
		close(s.navigatedDone)
	}
	s.mu.Unlock()

	if fire {
		s.navigate()
	}
}

// State returns the current state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.navigated:
		return StateNavigated
	case s.viewRendered:
		return StateViewOnly
	case s.backendReady:
		return StateBackendOnly
	default:
		return StateNeither
	}
}

// Navigated is closed once navigation fired.
func (s *Synchronizer) Navigated() <-chan struct{} {
	return s.navigatedDone
}
