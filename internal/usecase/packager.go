// Package usecase contains application business logic.
package usecase

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/collect"
	"github.com/eliteGoblin/focusd/apppack/internal/config"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/strategy"
)

// AssetCollector stages the files of one build.
type AssetCollector interface {
	Collect(ctx context.Context, desc *domain.BuildDescriptor) (*domain.StagedSet, *collect.Report, error)
}

// ArtifactBuilder writes the artifact for a staged build.
type ArtifactBuilder interface {
	Build(ctx context.Context, req *strategy.Request) (*strategy.Artifact, error)
}

// PackageRequest is one build invocation.
type PackageRequest struct {
	Options config.Options
	// Launcher is the unpacked launcher binary copied into the artifact.
	Launcher string
	// Output overrides DefaultOutput.
	Output string
}

// PackageResult describes a finished build.
type PackageResult struct {
	Descriptor *domain.BuildDescriptor
	Report     *collect.Report
	Artifact   *strategy.Artifact
}

// Packager runs the build pipeline: resolve, collect, fetch runtime, build.
type Packager struct {
	collector AssetCollector
	fetcher   domain.RuntimeFetcher
	builder   ArtifactBuilder
	logger    *zap.Logger
}

// NewPackager creates a packager. fetcher may be nil when no runtime
// distribution is configured.
func NewPackager(collector AssetCollector, fetcher domain.RuntimeFetcher, builder ArtifactBuilder, logger *zap.Logger) *Packager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Packager{
		collector: collector,
		fetcher:   fetcher,
		builder:   builder,
		logger:    logger,
	}
}

// Package builds one artifact. Configuration errors are reported before
// any file is read.
func (p *Packager) Package(ctx context.Context, req PackageRequest) (*PackageResult, error) {
	desc, err := config.Resolve(req.Options)
	if err != nil {
		return nil, err
	}
	s := desc.Strategy()
	if s == domain.StrategyStandalone && p.fetcher == nil {
		return nil, &domain.ConfigError{Field: "runtime", Reason: "standalone builds need runtime.path or runtime.url"}
	}

	p.logger.Info("packaging",
		zap.String("name", desc.Name),
		zap.String("mode", string(desc.Mode)),
		zap.String("strategy", string(s)))

	set, report, err := p.collector.Collect(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to collect assets: %w", err)
	}
	for _, w := range report.Warnings {
		p.logger.Warn("collection warning",
			zap.String("subject", w.Subject),
			zap.String("message", w.Message))
	}

	var dist *domain.RuntimeDistribution
	if p.fetcher != nil && (s == domain.StrategyStandalone || s == domain.StrategyPortable) {
		dist, err = p.fetcher.Fetch(ctx, desc.Backend.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch runtime: %w", err)
		}
	}

	output := req.Output
	if output == "" {
		output = DefaultOutput(desc)
	}
	lines := make([]string, 0, len(report.Requirements))
	for _, r := range report.Requirements {
		lines = append(lines, r.Line)
	}

	artifact, err := p.builder.Build(ctx, &strategy.Request{
		Descriptor:   desc,
		Assets:       set,
		Requirements: lines,
		Runtime:      dist,
		Launcher:     req.Launcher,
		Output:       output,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build %s artifact: %w", s, err)
	}

	p.logger.Info("packaged",
		zap.String("path", artifact.Path),
		zap.Int("entries", artifact.Entries),
		zap.Int64("bytes", artifact.Size))

	return &PackageResult{Descriptor: desc, Report: report, Artifact: artifact}, nil
}

// DefaultOutput is dist/<executable> for single-file strategies and
// dist/<name> for directory strategies.
func DefaultOutput(desc *domain.BuildDescriptor) string {
	if desc.Strategy().IsDirectory() {
		return filepath.Join("dist", desc.Name)
	}
	return filepath.Join("dist", strategy.ExecutableName(desc.Name))
}
