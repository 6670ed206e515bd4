package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

// TrailerBuilder appends an overlay container to a copy of the launcher.
// Standalone builds also embed the interpreter distribution.
type TrailerBuilder struct {
	strategy     domain.Strategy
	embedRuntime bool
	logger       *zap.Logger
}

// NewStandaloneBuilder creates the builder for domain.StrategyStandalone.
func NewStandaloneBuilder(logger *zap.Logger) *TrailerBuilder {
	return newTrailerBuilder(domain.StrategyStandalone, true, logger)
}

// NewSourceOverlayBuilder creates the builder for domain.StrategySourceOverlay.
func NewSourceOverlayBuilder(logger *zap.Logger) *TrailerBuilder {
	return newTrailerBuilder(domain.StrategySourceOverlay, false, logger)
}

func newTrailerBuilder(s domain.Strategy, embedRuntime bool, logger *zap.Logger) *TrailerBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrailerBuilder{strategy: s, embedRuntime: embedRuntime, logger: logger}
}

// Strategy returns the strategy this builder implements.
func (b *TrailerBuilder) Strategy() domain.Strategy {
	return b.strategy
}

// Build writes a single executable: launcher bytes followed by the container.
func (b *TrailerBuilder) Build(ctx context.Context, req *Request) (*Artifact, error) {
	assets := req.Assets.Assets()
	if b.embedRuntime {
		if req.Runtime == nil {
			version := ""
			if req.Descriptor.Backend != nil {
				version = req.Descriptor.Backend.Version
			}
			return nil, &domain.ResourceNotFound{Kind: "runtime distribution", Path: version}
		}
		runtimeAssets, err := embedRuntime(req.Runtime)
		if err != nil {
			return nil, err
		}
		assets = append(assets, runtimeAssets...)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desc := *req.Descriptor
	desc.Layout = domain.LayoutTrailer
	c := &domain.OverlayContainer{
		Descriptor:  desc,
		Assets:      assets,
		ContentHash: overlay.ContentHash(assets),
	}

	size, err := writeTrailer(req.Launcher, req.Output, c)
	if err != nil {
		return nil, err
	}

	b.logger.Info("wrote artifact",
		zap.String("strategy", string(b.strategy)),
		zap.String("path", req.Output),
		zap.Int("entries", len(assets)),
		zap.String("content_hash", c.ContentHash))

	return &Artifact{
		Strategy:    b.strategy,
		Path:        req.Output,
		Executable:  req.Output,
		ContentHash: c.ContentHash,
		Entries:     len(assets),
		Size:        size,
	}, nil
}

// embedRuntime returns the archive and metadata entries of a distribution.
func embedRuntime(dist *domain.RuntimeDistribution) ([]domain.StagedAsset, error) {
	meta := dist.Metadata
	meta.Size = int64(len(dist.Archive))
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode runtime metadata: %w", err)
	}
	return []domain.StagedAsset{
		{Path: dist.ArchivePath(), Data: dist.Archive},
		{Path: domain.RuntimeMetadataPath, Data: data},
	}, nil
}

// writeTrailer copies the launcher to output and appends c. An overlay
// already attached to the launcher is not copied. The output appears
// atomically with mode 0755.
func writeTrailer(launcher, output string, c *domain.OverlayContainer) (int64, error) {
	f, err := os.Open(launcher)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, &domain.ResourceNotFound{Kind: "launcher", Path: launcher}
		}
		return 0, fmt.Errorf("failed to open launcher: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat launcher: %w", err)
	}
	prefix := overlay.LauncherLength(f, info.Size())

	if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
		return 0, fmt.Errorf("failed to create output dir: %w", err)
	}

	var written int64
	err = infra.WriteFileAtomic(output, 0755, func(w io.Writer) error {
		n, err := io.Copy(w, io.NewSectionReader(f, 0, prefix))
		if err != nil {
			return fmt.Errorf("failed to copy launcher: %w", err)
		}
		m, err := overlay.Encode(w, c)
		if err != nil {
			return fmt.Errorf("failed to append overlay: %w", err)
		}
		written = n + m
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// Ensure TrailerBuilder implements Builder.
var _ Builder = (*TrailerBuilder)(nil)
