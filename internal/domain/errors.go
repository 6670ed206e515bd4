package domain

import (
	"errors"
	"fmt"
)

// ErrNotPacked means the binary carries no overlay container.
var ErrNotPacked = errors.New("not a packed artifact")

// ErrBackendUnavailable is returned by sends after the backend exited or
// shutdown began.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ConfigError reports invalid build intent. Fatal, raised before any I/O.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// ResourceNotFound reports a missing source or resource path at build time.
type ResourceNotFound struct {
	Kind string
	Path string
}

func (e *ResourceNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Path)
}

// CollectionWarning is a non-fatal collection problem. It is collected into
// reports and logged, never returned as an error.
type CollectionWarning struct {
	Subject string
	Message string
}

func (w CollectionWarning) String() string {
	return w.Subject + ": " + w.Message
}

// ExtractionConflict reports a locked destination whose bytes differ from
// the asset being extracted.
type ExtractionConflict struct {
	Path string
}

func (e *ExtractionConflict) Error() string {
	return fmt.Sprintf("extraction conflict: %s is locked with different content", e.Path)
}

// ProcessSpawnError reports that the backend interpreter could not start.
type ProcessSpawnError struct {
	Interpreter string
	Err         error
}

func (e *ProcessSpawnError) Error() string {
	return fmt.Sprintf("failed to spawn backend %s: %v", e.Interpreter, e.Err)
}

func (e *ProcessSpawnError) Unwrap() error {
	return e.Err
}

// HandshakeDegraded describes why the ready handshake fell back to an empty
// handler list. It travels with the ready event.
type HandshakeDegraded struct {
	Reason string
}

func (e *HandshakeDegraded) Error() string {
	return "handshake degraded: " + e.Reason
}

// Error kinds used on the wire when errors are surfaced as events.
const (
	KindConfig             = "config_error"
	KindResourceNotFound   = "resource_not_found"
	KindExtractionConflict = "extraction_conflict"
	KindProcessSpawn       = "process_spawn_error"
	KindBackendUnavailable = "backend_unavailable"
	KindHandshakeDegraded  = "handshake_degraded"
	KindInternal           = "internal_error"
)

// ErrorKind maps an error onto its wire kind.
func ErrorKind(err error) string {
	var (
		configErr   *ConfigError
		notFound    *ResourceNotFound
		conflict    *ExtractionConflict
		spawnErr    *ProcessSpawnError
		handshakeEr *HandshakeDegraded
	)
	switch {
	case errors.As(err, &configErr):
		return KindConfig
	case errors.As(err, &notFound):
		return KindResourceNotFound
	case errors.As(err, &conflict):
		return KindExtractionConflict
	case errors.As(err, &spawnErr):
		return KindProcessSpawn
	case errors.As(err, &handshakeEr):
		return KindHandshakeDegraded
	case errors.Is(err, ErrBackendUnavailable):
		return KindBackendUnavailable
	default:
		return KindInternal
	}
}
