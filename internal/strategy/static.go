package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

// StaticLinkedBuilder compiles the backend ahead of time with an external
// toolchain. The produced executable carries no overlay container.
type StaticLinkedBuilder struct {
	toolchain domain.Toolchain
	logger    *zap.Logger
}

// NewStaticLinkedBuilder creates the builder for domain.StrategyStaticLinked.
func NewStaticLinkedBuilder(toolchain domain.Toolchain, logger *zap.Logger) *StaticLinkedBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaticLinkedBuilder{toolchain: toolchain, logger: logger}
}

// Strategy returns the strategy this builder implements.
func (b *StaticLinkedBuilder) Strategy() domain.Strategy {
	return domain.StrategyStaticLinked
}

// Build stages the tree in a work directory, runs the toolchain and moves
// the result to the output path.
func (b *StaticLinkedBuilder) Build(ctx context.Context, req *Request) (*Artifact, error) {
	if b.toolchain == nil {
		return nil, &domain.ConfigError{Field: "backend.strategy", Reason: "static-linked builds need a compiler toolchain"}
	}

	workDir, err := os.MkdirTemp("", "apppack-static-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	assets := req.Assets.Assets()
	if err := writeAssets(workDir, assets, func(p string) string { return p }); err != nil {
		return nil, err
	}

	produced, err := b.toolchain.Compile(ctx, req.Descriptor, workDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(req.Output), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := infra.CopyFile(produced, req.Output, 0755); err != nil {
		return nil, fmt.Errorf("failed to relocate %s output: %w", b.toolchain.Name(), err)
	}

	info, err := os.Stat(req.Output)
	if err != nil {
		return nil, err
	}
	b.logger.Info("wrote compiled artifact",
		zap.String("toolchain", b.toolchain.Name()),
		zap.String("path", req.Output))

	return &Artifact{
		Strategy:    domain.StrategyStaticLinked,
		Path:        req.Output,
		Executable:  req.Output,
		ContentHash: overlay.ContentHash(assets),
		Entries:     len(assets),
		Size:        info.Size(),
	}, nil
}

// Ensure StaticLinkedBuilder implements Builder.
var _ Builder = (*StaticLinkedBuilder)(nil)
