// Package strategy turns a staged asset set into a distributable artifact.
// Each backend bundling strategy has its own Builder; the Registry selects
// one from the descriptor.
package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
)

// Request carries everything a builder needs. Runtime is required by the
// standalone strategy and optional for portable.
type Request struct {
	Descriptor *domain.BuildDescriptor
	Assets     *domain.StagedSet
	// Requirements are the requirement lines recorded for
	// system-interpreter builds.
	Requirements []string
	Runtime      *domain.RuntimeDistribution
	// Launcher is the unpacked launcher binary the artifact starts from.
	Launcher string
	// Output is the artifact file, or directory for directory strategies.
	Output string
}

// Artifact describes a written build output.
type Artifact struct {
	Strategy domain.Strategy
	// Path is the artifact file or directory.
	Path string
	// Executable is the file users run; equal to Path for single-file outputs.
	Executable  string
	ContentHash string
	Entries     int
	Size        int64
}

// Builder writes the artifact for one strategy.
type Builder interface {
	// Strategy returns the strategy this builder implements.
	Strategy() domain.Strategy

	// Build writes the artifact. A failed build leaves no partial output.
	Build(ctx context.Context, req *Request) (*Artifact, error)
}

// Registry holds one builder per strategy.
type Registry struct {
	builders map[domain.Strategy]Builder
}

// NewRegistry creates a registry with every default builder.
func NewRegistry(toolchain domain.Toolchain, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		builders: make(map[domain.Strategy]Builder),
	}

	r.Register(NewStandaloneBuilder(logger))
	r.Register(NewSourceOverlayBuilder(logger))
	r.Register(NewPortableBuilder(logger))
	r.Register(NewSystemInterpreterBuilder(logger))
	r.Register(NewStaticLinkedBuilder(toolchain, logger))

	return r
}

// NewRegistryWithBuilders creates a registry with custom builders (for testing).
func NewRegistryWithBuilders(builders ...Builder) *Registry {
	r := &Registry{
		builders: make(map[domain.Strategy]Builder),
	}
	for _, b := range builders {
		r.Register(b)
	}
	return r
}

// Register adds a builder, replacing any builder for the same strategy.
func (r *Registry) Register(b Builder) {
	r.builders[b.Strategy()] = b
}

// Get returns the builder for a strategy.
func (r *Registry) Get(s domain.Strategy) (Builder, bool) {
	b, ok := r.builders[s]
	return b, ok
}

// List returns the registered strategies in display order.
func (r *Registry) List() []domain.Strategy {
	out := make([]domain.Strategy, 0, len(r.builders))
	for _, s := range domain.AllStrategies {
		if _, ok := r.builders[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Build dispatches req to the builder selected by the descriptor.
func (r *Registry) Build(ctx context.Context, req *Request) (*Artifact, error) {
	if req.Descriptor == nil || req.Assets == nil {
		return nil, fmt.Errorf("build request needs a descriptor and staged assets")
	}
	s := req.Descriptor.Strategy()
	b, ok := r.Get(s)
	if !ok {
		return nil, &domain.ConfigError{Field: "backend.strategy", Reason: fmt.Sprintf("no builder for %q", s)}
	}
	return b.Build(ctx, req)
}

// ExecutableName returns the launcher file name for an application.
func ExecutableName(name string) string {
	base := infra.SanitizeAppName(name)
	if runtime.GOOS == "windows" {
		return base + ".exe"
	}
	return base
}

// writeAssets materializes assets below root, mapping each staged path
// through place. Assets mapped to "" are skipped.
func writeAssets(root string, assets []domain.StagedAsset, place func(string) string) error {
	for _, a := range assets {
		rel := place(a.Path)
		if rel == "" {
			continue
		}
		local := filepath.FromSlash(rel)
		if !filepath.IsLocal(local) {
			return fmt.Errorf("unsafe asset path %q", a.Path)
		}
		target := filepath.Join(root, local)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if isBinary(rel) {
			mode = 0755
		}
		if err := os.WriteFile(target, a.Data, mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", rel, err)
		}
	}
	return nil
}

func isBinary(rel string) bool {
	dir := filepath.ToSlash(filepath.Dir(rel)) + "/"
	return dir == domain.NamespaceBin || dir == domain.DirLibBin+"/"
}
