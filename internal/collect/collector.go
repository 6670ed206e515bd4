// Package collect gathers frontend files, backend sources, third-party
// packages, helper binaries and resources into a staged set.
package collect

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// CompanionPackage is the runtime library shipped alongside packed apps.
// Its sources lack the compiled extension, which is merged from the
// installed copy.
const CompanionPackage = "apppack"

// Report summarizes a collection run.
type Report struct {
	// SourcePackages are the top-level names of staged backend files.
	SourcePackages []string
	// Requirements are the third-party packages requested by the build.
	Requirements []Requirement
	// Packages are the third-party packages that were staged.
	Packages []string
	// CompanionMerged is set when compiled companion files were merged.
	CompanionMerged bool
	Warnings        []domain.CollectionWarning
}

// Collector builds the staged set for one descriptor.
type Collector struct {
	resolver domain.PackageResolver
	logger   *zap.Logger
}

// NewCollector creates a collector. resolver may be nil when no backend
// packages need resolving.
func NewCollector(resolver domain.PackageResolver, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{resolver: resolver, logger: logger}
}

type run struct {
	*Collector
	ctx     context.Context
	desc    *domain.BuildDescriptor
	set     *domain.StagedSet
	report  *Report
	tracked map[string]bool
}

// Collect stages every asset the descriptor needs. Missing inputs fail with
// *domain.ResourceNotFound; unresolvable packages only add warnings.
func (c *Collector) Collect(ctx context.Context, desc *domain.BuildDescriptor) (*domain.StagedSet, *Report, error) {
	r := &run{
		Collector: c,
		ctx:       ctx,
		desc:      desc,
		set:       domain.NewStagedSet(),
		report:    &Report{},
		tracked:   make(map[string]bool),
	}

	if desc.Mode != domain.ModeURL {
		if err := r.collectFrontend(); err != nil {
			return nil, nil, err
		}
	}

	if desc.Backend != nil {
		if err := r.collectBackend(); err != nil {
			return nil, nil, err
		}
	} else if desc.Hooks != nil {
		r.warn("hooks", "ignored without a backend")
	}

	for name := range r.tracked {
		r.report.SourcePackages = append(r.report.SourcePackages, name)
	}
	sort.Strings(r.report.SourcePackages)

	c.logger.Info("collection complete",
		zap.Int("assets", r.set.Len()),
		zap.Strings("packages", r.report.Packages),
		zap.Int("warnings", len(r.report.Warnings)))
	return r.set, r.report, nil
}

func (r *run) warn(subject, message string) {
	w := domain.CollectionWarning{Subject: subject, Message: message}
	r.report.Warnings = append(r.report.Warnings, w)
	r.logger.Warn("collection warning", zap.String("subject", subject), zap.String("message", message))
}

// stage adds data under path. A second asset for the same path is dropped
// with a warning; the first one wins.
func (r *run) stage(p string, data []byte) {
	if err := r.set.Add(p, data); err != nil {
		r.warn(p, "duplicate path skipped")
	}
}

func (r *run) stageFile(dst, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	r.stage(dst, data)
	return nil
}

func (r *run) collectFrontend() error {
	root := r.desc.FrontendPath
	info, err := os.Stat(root)
	if err != nil {
		return &domain.ResourceNotFound{Kind: "frontend", Path: root}
	}
	if !info.IsDir() {
		return r.stageFile(domain.NamespaceFrontend+filepath.Base(root), root)
	}
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		return r.stageFile(domain.NamespaceFrontend+filepath.ToSlash(rel), p)
	})
}

func (r *run) collectBackend() error {
	b := r.desc.Backend
	filter := NewFilter(b.ExcludePatterns)

	for _, include := range b.IncludePaths {
		if err := r.collectSources(include, filter); err != nil {
			return err
		}
	}

	if r.tracked[CompanionPackage] {
		r.mergeCompanion()
	}

	if err := r.collectPackages(); err != nil {
		return err
	}

	for _, bin := range b.ExternalBinaries {
		if err := r.collectBinary(bin); err != nil {
			return err
		}
	}

	resources := append([]string(nil), b.Resources...)
	var hookBinaries []string
	if h := r.desc.Hooks; h != nil {
		resources = append(resources, h.Collect...)
		if h.Script != "" {
			res, err := RunHookScript(r.ctx, h.Script, r.desc)
			if err != nil {
				return err
			}
			resources = append(resources, res.Resources...)
			hookBinaries = res.Binaries
		}
	}
	for _, bin := range hookBinaries {
		if err := r.collectBinary(bin); err != nil {
			return err
		}
	}
	for _, res := range resources {
		if err := r.collectResource(res); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) collectSources(include string, filter *Filter) error {
	info, err := os.Stat(include)
	if err != nil {
		return &domain.ResourceNotFound{Kind: "include path", Path: include}
	}
	if !info.IsDir() {
		name := filepath.Base(include)
		if IsBackendFile(name) && !filter.Excluded(name) {
			r.track(name)
			return r.stageFile(domain.NamespaceBackend+name, include)
		}
		return nil
	}

	return filepath.WalkDir(include, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(include, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if filter.Excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !IsBackendFile(d.Name()) {
			return nil
		}
		r.track(rel)
		return r.stageFile(domain.NamespaceBackend+rel, p)
	})
}

// track records the top-level package of a staged backend file. Root-level
// modules are tracked by their stem.
func (r *run) track(rel string) {
	top, _, nested := strings.Cut(rel, "/")
	if !nested {
		top = strings.TrimSuffix(top, path.Ext(top))
	}
	r.tracked[top] = true
}

// mergeCompanion stages the compiled extension modules of the installed
// companion package next to its bundled sources. Failure only warns.
func (r *run) mergeCompanion() {
	if r.resolver == nil {
		r.warn(CompanionPackage, "no package resolver available; compiled extension not merged")
		return
	}
	pkg, err := r.resolver.Locate(r.ctx, CompanionPackage)
	if err != nil {
		r.warn(CompanionPackage, "installed copy not found; compiled extension not merged: "+err.Error())
		return
	}
	merged := 0
	for _, f := range pkg.Files {
		if !strings.HasPrefix(f, CompanionPackage+"/") || !IsExtensionModule(f) {
			continue
		}
		dst := domain.NamespaceBackend + f
		if r.set.Has(dst) {
			continue
		}
		if err := r.stageFile(dst, filepath.Join(pkg.Location, filepath.FromSlash(f))); err != nil {
			r.warn(CompanionPackage, err.Error())
			continue
		}
		merged++
	}
	if merged == 0 {
		r.warn(CompanionPackage, "installed copy has no compiled extension to merge")
		return
	}
	r.report.CompanionMerged = true
	r.logger.Info("merged companion extension modules", zap.Int("files", merged), zap.String("location", pkg.Location))
}

func (r *run) collectPackages() error {
	b := r.desc.Backend
	var parsed []Requirement
	if b.RequirementsFile != "" {
		data, err := os.ReadFile(b.RequirementsFile)
		if err != nil {
			return &domain.ResourceNotFound{Kind: "requirements file", Path: b.RequirementsFile}
		}
		parsed = ParseRequirements(data)
	}
	r.report.Requirements = MergeRequirements(b.Packages, parsed)

	if b.Strategy == domain.StrategySystemInterpreter {
		return nil
	}

	for _, req := range r.report.Requirements {
		if req.Name == CompanionPackage && r.tracked[CompanionPackage] {
			continue
		}
		if err := r.collectPackage(req.Name); err != nil {
			if req.Name == CompanionPackage {
				r.warn(req.Name, "companion runtime library requested but not bundled: "+err.Error())
			} else {
				r.warn(req.Name, "package skipped: "+err.Error())
			}
			continue
		}
		r.report.Packages = append(r.report.Packages, req.Name)
	}
	return nil
}

// collectPackage copies an installed package into site-packages. Copies are
// sequential so log output keeps the package order.
func (r *run) collectPackage(name string) error {
	if r.resolver == nil {
		return errors.New("no package resolver available")
	}
	pkg, err := r.resolver.Locate(r.ctx, name)
	if err != nil {
		return err
	}
	copied := 0
	for _, f := range pkg.Files {
		if strings.Contains(f, "__pycache__/") {
			continue
		}
		src := filepath.Join(pkg.Location, filepath.FromSlash(f))
		data, err := os.ReadFile(src)
		if err != nil {
			r.logger.Debug("package file unreadable", zap.String("package", name), zap.String("file", f), zap.Error(err))
			continue
		}
		r.stage(domain.NamespaceSitePackages+f, data)
		copied++
	}
	if copied == 0 {
		return fmt.Errorf("no readable files under %s", pkg.Location)
	}
	r.logger.Info("bundled package", zap.String("package", name), zap.Int("files", copied))
	return nil
}

func (r *run) collectBinary(bin string) error {
	info, err := os.Stat(bin)
	if err != nil || info.IsDir() {
		return &domain.ResourceNotFound{Kind: "binary", Path: bin}
	}
	return r.stageFile(domain.NamespaceBin+filepath.Base(bin), bin)
}

// collectResource stages a file, a directory tree or the matches of a glob
// under backend/resources/. A glob without matches only warns.
func (r *run) collectResource(res string) error {
	if hasWildcard(res) {
		matches, err := filepath.Glob(res)
		if err != nil {
			return fmt.Errorf("invalid resource pattern %s: %w", res, err)
		}
		if len(matches) == 0 {
			r.warn(res, "resource pattern matched nothing")
			return nil
		}
		sort.Strings(matches)
		for _, m := range matches {
			if err := r.collectResourcePath(m); err != nil {
				return err
			}
		}
		return nil
	}
	return r.collectResourcePath(res)
}

func (r *run) collectResourcePath(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		return &domain.ResourceNotFound{Kind: "resource", Path: p}
	}
	if !info.IsDir() {
		return r.stageFile(domain.NamespaceResources+filepath.Base(p), p)
	}
	parent := filepath.Dir(p)
	return filepath.WalkDir(p, func(fp string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(parent, fp)
		if err != nil {
			return err
		}
		return r.stageFile(domain.NamespaceResources+filepath.ToSlash(rel), fp)
	})
}
