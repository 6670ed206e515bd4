package usecase

import (
	"encoding/json"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// Event types delivered to the view surface next to backend responses.
const (
	EventReady = "ready"
	EventError = "error"
)

// ReadyEvent announces the backend handlers. Degraded carries the reason
// when the handshake failed.
type ReadyEvent struct {
	Type     string   `json:"type"`
	Handlers []string `json:"handlers"`
	Degraded string   `json:"degraded,omitempty"`
}

// ErrorEvent surfaces a run-time failure to the view.
type ErrorEvent struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// NewErrorEvent encodes err as an error event.
func NewErrorEvent(err error) []byte {
	data, _ := json.Marshal(ErrorEvent{Type: EventError, Kind: domain.ErrorKind(err), Message: err.Error()})
	return data
}

func newReadyEvent(handlers []string, degraded *domain.HandshakeDegraded) []byte {
	ev := ReadyEvent{Type: EventReady, Handlers: handlers}
	if ev.Handlers == nil {
		ev.Handlers = []string{}
	}
	if degraded != nil {
		ev.Degraded = degraded.Reason
	}
	data, _ := json.Marshal(ev)
	return data
}
