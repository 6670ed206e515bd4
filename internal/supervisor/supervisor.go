// Package supervisor runs the backend interpreter process: it spawns the
// child with an isolated environment, performs the ready handshake over
// stdout, forwards requests and responses, and shuts the child down.
package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// HandshakeTimeoutEnv overrides Config.HandshakeTimeout. It accepts a Go
// duration ("45s") or a number of seconds.
const HandshakeTimeoutEnv = "APPPACK_HANDSHAKE_TIMEOUT"

const maxLineSize = 16 << 20

// Config holds supervisor timing.
type Config struct {
	HandshakeTimeout time.Duration // Wait for the first stdout line
	ShutdownGrace    time.Duration // Wait for exit after stdin closes
}

// DefaultConfig returns default supervisor configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 30 * time.Second,
		ShutdownGrace:    3 * time.Second,
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	v := strings.TrimSpace(os.Getenv(HandshakeTimeoutEnv))
	if v == "" {
		return cfg
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		cfg.HandshakeTimeout = d
	} else if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		cfg.HandshakeTimeout = time.Duration(secs) * time.Second
	}
	return cfg
}

// Sink receives backend traffic. Methods are called from the stdout reader
// goroutine, one at a time.
type Sink interface {
	// Ready is called exactly once. degraded is non-nil when the handshake
	// failed and handlers is empty.
	Ready(handlers []string, degraded *domain.HandshakeDegraded)

	// Response receives one line from the backend, verbatim.
	Response(payload []byte)
}

// Request is one call into the backend.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type readyMessage struct {
	Type     string   `json:"type"`
	Handlers []string `json:"handlers"`
}

// Supervisor starts backend processes.
type Supervisor struct {
	config         Config
	processManager domain.ProcessManager
	logger         *zap.Logger
}

// NewSupervisor creates a new supervisor.
func NewSupervisor(config Config, pm domain.ProcessManager, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{config: config, processManager: pm, logger: logger}
}

// Handle is a running backend process.
type Handle struct {
	cmd    *exec.Cmd
	pid    int
	config Config
	pm     domain.ProcessManager
	sink   Sink
	logger *zap.Logger

	drain *Drain

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	readyOnce sync.Once

	done     chan struct{}
	exitErr  error
	exitMu   sync.Mutex
	exited   bool
	shutOnce sync.Once
	shutErr  error
}

// Start spawns the backend described by spec. The handshake completes
// asynchronously through sink.Ready.
func (s *Supervisor) Start(spec *LaunchSpec, sink Sink) (*Handle, error) {
	cmd := exec.Command(spec.Interpreter, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &domain.ProcessSpawnError{Interpreter: spec.Interpreter, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &domain.ProcessSpawnError{Interpreter: spec.Interpreter, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &domain.ProcessSpawnError{Interpreter: spec.Interpreter, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &domain.ProcessSpawnError{Interpreter: spec.Interpreter, Err: err}
	}

	h := &Handle{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		config: s.config,
		pm:     s.processManager,
		sink:   sink,
		logger: s.logger.With(zap.Int("backend_pid", cmd.Process.Pid)),
		drain:  NewDrain(),
		stdin:  stdin,
		done:   make(chan struct{}),
	}
	h.logger.Info("backend started",
		zap.String("interpreter", spec.Interpreter),
		zap.Strings("args", spec.Args))

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		h.readStderr(stderr)
	}()
	go func() {
		defer readers.Done()
		h.readStdout(stdout)
	}()

	timer := time.AfterFunc(s.config.HandshakeTimeout, func() {
		h.ready(nil, &domain.HandshakeDegraded{Reason: fmt.Sprintf("no ready line within %s", s.config.HandshakeTimeout)})
	})

	go func() {
		readers.Wait()
		err := cmd.Wait()
		timer.Stop()
		h.exitMu.Lock()
		h.exited = true
		h.exitErr = err
		h.exitMu.Unlock()
		h.ready(nil, &domain.HandshakeDegraded{Reason: "backend exited before ready"})
		h.logger.Info("backend exited", zap.Error(err))
		close(h.done)
	}()

	return h, nil
}

// PID returns the backend process ID.
func (h *Handle) PID() int {
	return h.pid
}

// Drain returns the shutdown state of the handle.
func (h *Handle) Drain() *Drain {
	return h.drain
}

// Done is closed when the backend process has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited, and its wait error.
func (h *Handle) Exited() (bool, error) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exited, h.exitErr
}

// ready delivers the handshake result once, from whichever of the stdout
// reader, the handshake timer or the exit watcher gets there first. It
// reports whether this call delivered it.
func (h *Handle) ready(handlers []string, degraded *domain.HandshakeDegraded) bool {
	delivered := false
	h.readyOnce.Do(func() {
		delivered = true
		if handlers == nil {
			handlers = []string{}
		}
		if degraded != nil {
			h.logger.Warn("backend handshake degraded", zap.String("reason", degraded.Reason))
		} else {
			h.logger.Info("backend ready", zap.Strings("handlers", handlers))
		}
		if !h.drain.Enter() {
			return
		}
		defer h.drain.Leave()
		h.sink.Ready(handlers, degraded)
	})
	return delivered
}

func (h *Handle) readStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	first := true
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if first {
			first = false
			h.handshake(line)
			continue
		}
		if len(line) == 0 {
			continue
		}
		h.forward(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("backend stdout read failed", zap.Error(err))
	}
	h.ready(nil, &domain.HandshakeDegraded{Reason: "end of stream before ready"})
}

// handshake treats line as the ready line. When the handshake already
// completed elsewhere (timeout), a late ready line is dropped and any other
// line is forwarded as a response.
func (h *Handle) handshake(line []byte) {
	var msg readyMessage
	if err := json.Unmarshal(line, &msg); err == nil && msg.Type == "ready" {
		if !h.ready(msg.Handlers, nil) {
			h.logger.Warn("ignoring ready line after handshake timeout")
		}
		return
	}
	if h.ready(nil, &domain.HandshakeDegraded{Reason: fmt.Sprintf("unexpected first line %q", truncate(line, 120))}) {
		return
	}
	if len(line) > 0 {
		h.forward(append([]byte(nil), line...))
	}
}

// forward delivers one response unless shutdown has begun.
func (h *Handle) forward(payload []byte) {
	if !h.drain.Enter() {
		return
	}
	defer h.drain.Leave()
	h.sink.Response(payload)
}

func (h *Handle) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		h.logger.Info("backend stderr", zap.String("line", scanner.Text()))
	}
}

// Send writes req as one JSON line to the backend. It fails with
// domain.ErrBackendUnavailable once the process exited or shutdown began.
func (h *Handle) Send(req Request) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return h.SendLine(line)
}

// SendLine writes a pre-encoded JSON object as one line.
func (h *Handle) SendLine(line []byte) error {
	line = bytes.TrimSpace(line)
	if bytes.ContainsAny(line, "\r\n") {
		return fmt.Errorf("request must be a single line")
	}
	if h.drain.State() != StateRunning {
		return fmt.Errorf("%w: shutdown in progress", domain.ErrBackendUnavailable)
	}
	if exited, _ := h.Exited(); exited {
		return fmt.Errorf("%w: process exited", domain.ErrBackendUnavailable)
	}
	if h.pm != nil && !h.pm.IsRunning(h.pid) {
		return fmt.Errorf("%w: process %d is not running", domain.ErrBackendUnavailable, h.pid)
	}

	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if h.stdin == nil {
		return fmt.Errorf("%w: stdin closed", domain.ErrBackendUnavailable)
	}
	if _, err := h.stdin.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Shutdown stops forwarding, waits up to timeout for in-flight forwards,
// closes stdin and gives the process ShutdownGrace to exit before killing
// its process tree. Repeated calls return the first result.
func (h *Handle) Shutdown(timeout time.Duration) error {
	h.shutOnce.Do(func() {
		h.shutErr = h.shutdown(timeout)
	})
	return h.shutErr
}

func (h *Handle) shutdown(timeout time.Duration) error {
	if !h.drain.Wait(timeout) {
		h.logger.Warn("shutdown timed out with forwards in flight",
			zap.Int("in_flight", h.drain.InFlight()),
			zap.Duration("timeout", timeout))
	}

	h.stdinMu.Lock()
	if h.stdin != nil {
		h.stdin.Close()
		h.stdin = nil
	}
	h.stdinMu.Unlock()

	grace := time.NewTimer(h.config.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-grace.C:
	}

	h.logger.Warn("backend did not exit, killing process tree")
	if h.pm != nil {
		if err := h.pm.KillTree(h.pid); err != nil {
			return fmt.Errorf("failed to kill backend: %w", err)
		}
	} else if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill backend: %w", err)
	}

	select {
	case <-h.done:
	case <-time.After(h.config.ShutdownGrace):
		h.logger.Warn("backend still running after kill")
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
