package usecase

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// Host control messages read from the view host. Any other line is a
// backend request.
const (
	HostRendered    = "rendered"
	HostSkipLoading = "skip_loading"
	HostClose       = "close"
)

type hostMessage struct {
	Type string `json:"type"`
}

// Serve reads host lines from r until EOF, a close message, ctx
// cancellation or backend exit, then shuts the backend down.
func (s *Session) Serve(ctx context.Context, r io.Reader, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	defer func() {
		if err := s.Shutdown(shutdownTimeout); err != nil {
			s.logger.Warn("backend shutdown failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done():
			s.logger.Info("backend exited")
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			if done := s.handleHostLine(line); done {
				return nil
			}
		}
	}
}

func (s *Session) handleHostLine(line []byte) bool {
	var msg hostMessage
	_ = json.Unmarshal(line, &msg)
	switch msg.Type {
	case HostRendered:
		s.ViewRendered()
	case HostSkipLoading:
		s.ForceNavigate()
	case HostClose:
		return true
	default:
		if err := s.Send(line); err != nil {
			if errors.Is(err, domain.ErrBackendUnavailable) {
				s.deliver(NewErrorEvent(err))
				return false
			}
			s.logger.Warn("failed to forward request", zap.Error(err))
		}
	}
	return false
}
