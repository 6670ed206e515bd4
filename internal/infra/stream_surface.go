package infra

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// StreamSurface is a headless domain.ViewSurface that writes every event as
// one JSON line to w. A WebView host reads the stream from the launcher's
// stdout.
type StreamSurface struct {
	mu sync.Mutex
	w  io.Writer
}

// NewStreamSurface creates a surface writing to w.
func NewStreamSurface(w io.Writer) *StreamSurface {
	return &StreamSurface{w: w}
}

type navigateEvent struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// Navigate writes a navigate event for target.
func (s *StreamSurface) Navigate(target string) error {
	data, err := json.Marshal(navigateEvent{Type: "navigate", Target: target})
	if err != nil {
		return err
	}
	return s.Deliver(data)
}

// Deliver writes payload followed by a newline. Lines from concurrent
// callers never interleave.
func (s *StreamSurface) Deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')
	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Ensure StreamSurface implements domain.ViewSurface.
var _ domain.ViewSurface = (*StreamSurface)(nil)
