package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/cache"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

// LayoutMarker identifies an output directory written by a directory builder.
// Only directories carrying it are replaced by a rebuild.
const LayoutMarker = ".apppack-layout"

// RequirementsTxt is the dependency manifest written by system-interpreter
// builds.
const RequirementsTxt = "requirements.txt"

type layoutInfo struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Strategy    domain.Strategy `json:"strategy"`
	ContentHash string          `json:"content_hash"`
	Executable  string          `json:"executable"`
}

// DirectoryBuilder writes loose files next to a launcher whose container
// holds only the descriptor.
type DirectoryBuilder struct {
	strategy domain.Strategy
	logger   *zap.Logger
}

// NewPortableBuilder creates the builder for domain.StrategyPortable.
func NewPortableBuilder(logger *zap.Logger) *DirectoryBuilder {
	return newDirectoryBuilder(domain.StrategyPortable, logger)
}

// NewSystemInterpreterBuilder creates the builder for
// domain.StrategySystemInterpreter.
func NewSystemInterpreterBuilder(logger *zap.Logger) *DirectoryBuilder {
	return newDirectoryBuilder(domain.StrategySystemInterpreter, logger)
}

func newDirectoryBuilder(s domain.Strategy, logger *zap.Logger) *DirectoryBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryBuilder{strategy: s, logger: logger}
}

// Strategy returns the strategy this builder implements.
func (b *DirectoryBuilder) Strategy() domain.Strategy {
	return b.strategy
}

// Build assembles the directory in a sibling temp dir and renames it into
// place.
func (b *DirectoryBuilder) Build(ctx context.Context, req *Request) (*Artifact, error) {
	out := filepath.Clean(req.Output)
	if err := checkReplaceable(out); err != nil {
		return nil, err
	}
	parent := filepath.Dir(out)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output parent: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, ".apppack-build-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	assets := req.Assets.Assets()
	if err := writeAssets(tmp, assets, b.place); err != nil {
		return nil, err
	}

	if b.strategy == domain.StrategyPortable && req.Runtime != nil {
		runtimeDir := filepath.Join(tmp, filepath.FromSlash(domain.DirLibRuntime))
		if err := os.MkdirAll(runtimeDir, 0755); err != nil {
			return nil, err
		}
		err := cache.ExtractArchive(bytes.NewReader(req.Runtime.Archive), req.Runtime.Metadata.Format, runtimeDir)
		if err != nil {
			return nil, fmt.Errorf("failed to unpack runtime: %w", err)
		}
	}
	if b.strategy == domain.StrategySystemInterpreter {
		if err := writeRequirements(filepath.Join(tmp, RequirementsTxt), req.Requirements); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc := *req.Descriptor
	desc.Layout = domain.LayoutDirectory
	exeName := ExecutableName(desc.Name)
	if _, err := writeTrailer(req.Launcher, filepath.Join(tmp, exeName), &domain.OverlayContainer{Descriptor: desc}); err != nil {
		return nil, err
	}

	hash := overlay.ContentHash(assets)
	info, err := json.MarshalIndent(layoutInfo{
		Name:        desc.Name,
		Version:     desc.Version,
		Strategy:    b.strategy,
		ContentHash: hash,
		Executable:  exeName,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(tmp, LayoutMarker), info, 0644); err != nil {
		return nil, fmt.Errorf("failed to write layout marker: %w", err)
	}

	if err := os.RemoveAll(out); err != nil {
		return nil, fmt.Errorf("failed to replace %s: %w", out, err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return nil, fmt.Errorf("failed to move artifact into place: %w", err)
	}

	b.logger.Info("wrote artifact directory",
		zap.String("strategy", string(b.strategy)),
		zap.String("path", out),
		zap.Int("entries", len(assets)))

	return &Artifact{
		Strategy:    b.strategy,
		Path:        out,
		Executable:  filepath.Join(out, exeName),
		ContentHash: hash,
		Entries:     len(assets),
		Size:        dirSize(out),
	}, nil
}

// place maps a staged path onto the directory layout.
func (b *DirectoryBuilder) place(p string) string {
	switch {
	case strings.HasPrefix(p, domain.NamespaceRuntime):
		return ""
	case strings.HasPrefix(p, domain.NamespaceSitePackages):
		if b.strategy == domain.StrategySystemInterpreter {
			return ""
		}
		return domain.DirLibSitePackages + "/" + strings.TrimPrefix(p, domain.NamespaceSitePackages)
	case strings.HasPrefix(p, domain.NamespaceBin):
		return domain.DirLibBin + "/" + strings.TrimPrefix(p, domain.NamespaceBin)
	}
	return p
}

// checkReplaceable refuses to overwrite a non-empty directory that was not
// produced by a previous build.
func checkReplaceable(out string) error {
	entries, err := os.ReadDir(out)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("output %s is not a directory: %w", out, err)
	}
	if len(entries) == 0 {
		return nil
	}
	if _, err := os.Stat(filepath.Join(out, LayoutMarker)); err != nil {
		return fmt.Errorf("output directory %s is not empty and was not created by apppack", out)
	}
	return nil
}

func writeRequirements(path string, lines []string) error {
	var buf bytes.Buffer
	buf.WriteString("# install with: python -m pip install -r requirements.txt\n")
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write requirements: %w", err)
	}
	return nil
}

func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// Ensure DirectoryBuilder implements Builder.
var _ Builder = (*DirectoryBuilder)(nil)
