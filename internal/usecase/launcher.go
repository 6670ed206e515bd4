package usecase

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/cache"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/readiness"
	"github.com/eliteGoblin/focusd/apppack/internal/supervisor"
)

// DefaultShutdownTimeout bounds the drain of in-flight responses.
const DefaultShutdownTimeout = 5 * time.Second

type (
	interpreterResolver func(s domain.Strategy, appDir, runtimeDir string, meta *domain.RuntimeMetadata) (string, error)
	specBuilder         func(desc *domain.BuildDescriptor, appDir, interpreter string, parentEnv []string) (*supervisor.LaunchSpec, error)
)

// Launcher runs a packed artifact: extract, start the backend, wire the
// handshake to readiness and forward traffic to the view surface.
type Launcher struct {
	cache      *cache.Manager
	supervisor *supervisor.Supervisor
	surface    domain.ViewSurface
	resolve    interpreterResolver
	buildSpec  specBuilder
	environ    func() []string
	logger     *zap.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(cm *cache.Manager, sup *supervisor.Supervisor, surface domain.ViewSurface, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cache:      cm,
		supervisor: sup,
		surface:    surface,
		resolve:    supervisor.ResolveInterpreter,
		buildSpec:  supervisor.BuildLaunchSpec,
		environ:    os.Environ,
		logger:     logger,
	}
}

// Launch opens the container appended to exe and starts it. An unpacked exe
// yields an error wrapping domain.ErrNotPacked and nothing is delivered.
func (l *Launcher) Launch(ctx context.Context, exe string) (*Session, error) {
	c, err := cache.Open(exe)
	if err != nil {
		return nil, err
	}
	return l.LaunchContainer(ctx, c, exe)
}

// LaunchContainer starts an already decoded container. Failures are
// delivered to the surface as error events and returned.
func (l *Launcher) LaunchContainer(ctx context.Context, c *domain.OverlayContainer, exe string) (*Session, error) {
	s, err := l.launch(ctx, c, exe)
	if err != nil {
		l.logger.Error("launch failed", zap.String("kind", domain.ErrorKind(err)), zap.Error(err))
		if deliverErr := l.surface.Deliver(NewErrorEvent(err)); deliverErr != nil {
			l.logger.Warn("failed to deliver error event", zap.Error(deliverErr))
		}
		return nil, err
	}
	return s, nil
}

func (l *Launcher) launch(ctx context.Context, c *domain.OverlayContainer, exe string) (*Session, error) {
	desc := c.Descriptor
	s := &Session{
		Descriptor: desc,
		surface:    l.surface,
		logger:     l.logger,
	}

	if desc.Mode == domain.ModeURL {
		s.sync = readiness.New(s.navigate(desc.URL))
		s.sync.BackendReady()
		return s, nil
	}

	appDir, extracted, err := l.cache.Extract(ctx, c, exe)
	if err != nil {
		return nil, err
	}
	s.AppDir = appDir
	l.logger.Info("application ready on disk", zap.String("dir", appDir), zap.Bool("extracted", extracted))

	entry := desc.Entry
	if entry == "" {
		entry = "index.html"
	}
	page := filepath.Join(appDir, "frontend", filepath.FromSlash(entry))
	s.sync = readiness.New(s.navigate((&url.URL{Scheme: "file", Path: filepath.ToSlash(page)}).String()))

	if desc.Backend == nil {
		s.sync.BackendReady()
		return s, nil
	}

	runtimeDir, meta, err := l.cache.ExtractRuntime(ctx, c)
	if err != nil {
		return nil, err
	}
	interpreter, err := l.resolve(desc.Strategy(), appDir, runtimeDir, meta)
	if err != nil {
		return nil, err
	}
	spec, err := l.buildSpec(&desc, appDir, interpreter, l.environ())
	if err != nil {
		return nil, err
	}
	handle, err := l.supervisor.Start(spec, s)
	if err != nil {
		return nil, err
	}
	s.handle = handle
	return s, nil
}

// Session is one running application. It receives backend traffic as a
// supervisor.Sink.
type Session struct {
	Descriptor domain.BuildDescriptor
	AppDir     string

	handle  *supervisor.Handle
	sync    *readiness.Synchronizer
	surface domain.ViewSurface
	logger  *zap.Logger
}

func (s *Session) navigate(target string) func() {
	return func() {
		if err := s.surface.Navigate(target); err != nil {
			s.logger.Warn("navigation failed", zap.String("target", target), zap.Error(err))
		}
	}
}

// Ready implements supervisor.Sink.
func (s *Session) Ready(handlers []string, degraded *domain.HandshakeDegraded) {
	s.deliver(newReadyEvent(handlers, degraded))
	s.sync.BackendReady()
}

// Response implements supervisor.Sink.
func (s *Session) Response(payload []byte) {
	s.deliver(payload)
}

func (s *Session) deliver(payload []byte) {
	if err := s.surface.Deliver(payload); err != nil {
		s.logger.Warn("failed to deliver event", zap.Error(err))
	}
}

// ViewRendered records that the loading surface is shown.
func (s *Session) ViewRendered() {
	s.sync.ViewRendered()
}

// ForceNavigate leaves the loading state immediately.
func (s *Session) ForceNavigate() {
	s.sync.ForceNavigate()
}

// Readiness returns the session's synchronizer.
func (s *Session) Readiness() *readiness.Synchronizer {
	return s.sync
}

// HasBackend reports whether a backend process was started.
func (s *Session) HasBackend() bool {
	return s.handle != nil
}

// Send forwards one JSON request line to the backend.
func (s *Session) Send(line []byte) error {
	if s.handle == nil {
		return errors.Join(domain.ErrBackendUnavailable, errors.New("application has no backend"))
	}
	return s.handle.SendLine(line)
}

// Done is closed when the backend exits. It is nil without a backend.
func (s *Session) Done() <-chan struct{} {
	if s.handle == nil {
		return nil
	}
	return s.handle.Done()
}

// Shutdown stops the backend, draining in-flight responses for up to
// timeout.
func (s *Session) Shutdown(timeout time.Duration) error {
	if s.handle == nil {
		return nil
	}
	return s.handle.Shutdown(timeout)
}

// Ensure Session implements supervisor.Sink.
var _ supervisor.Sink = (*Session)(nil)
