//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/cache"
	"github.com/eliteGoblin/focusd/apppack/internal/collect"
	"github.com/eliteGoblin/focusd/apppack/internal/config"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
	"github.com/eliteGoblin/focusd/apppack/internal/strategy"
	"github.com/eliteGoblin/focusd/apppack/internal/usecase"
	"github.com/eliteGoblin/focusd/apppack/test/fixtures"
)

var _ = Describe("Packaging a project", func() {
	var (
		tmpDir   string
		project  *fixtures.FakeProject
		launcher string
		packager *usecase.Packager
		logger   *zap.Logger
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "apppack-integration-*")
		Expect(err).NotTo(HaveOccurred())

		project = fixtures.NewFakeProject(filepath.Join(tmpDir, "project"))
		Expect(project.Create()).To(Succeed())
		Expect(project.Exists()).To(BeTrue())

		launcher = filepath.Join(tmpDir, "launcher")
		Expect(os.WriteFile(launcher, []byte("fake launcher"), 0755)).To(Succeed())

		logger = zap.NewNop()
		packager = usecase.NewPackager(
			collect.NewCollector(nil, logger),
			nil,
			strategy.NewRegistry(nil, logger),
			logger,
		)
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	packageWith := func(mutate func(*config.Options)) *usecase.PackageResult {
		opts, err := config.LoadManifest(project.ManifestPath())
		Expect(err).NotTo(HaveOccurred())
		if mutate != nil {
			mutate(opts)
		}
		result, err := packager.Package(context.Background(), usecase.PackageRequest{
			Options:  *opts,
			Launcher: launcher,
			Output:   filepath.Join(tmpDir, "dist", "demo"),
		})
		Expect(err).NotTo(HaveOccurred())
		return result
	}

	Describe("source-overlay build", func() {
		It("should append a container that describes the application", func() {
			result := packageWith(nil)
			Expect(result.Artifact.Strategy).To(Equal(domain.StrategySourceOverlay))

			c, err := overlay.Open(result.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Descriptor.Name).To(Equal("demo"))
			Expect(c.Descriptor.Window.Title).To(Equal("Demo"))
			Expect(c.Descriptor.Layout).To(Equal(domain.LayoutTrailer))
			Expect(c.ContentHash).To(Equal(result.Artifact.ContentHash))

			var paths []string
			for _, a := range c.Assets {
				paths = append(paths, a.Path)
			}
			Expect(paths).To(ContainElements(
				"frontend/index.html",
				"frontend/js/app.js",
				"backend/app/main.py",
				"backend/resources/assets/logo.png",
			))
			Expect(paths).NotTo(ContainElement(ContainSubstring("tests/")))

			data, err := os.ReadFile(result.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data[:len("fake launcher")])).To(Equal("fake launcher"))
		})

		It("should produce the same content hash when rebuilt", func() {
			first := packageWith(nil)
			second := packageWith(nil)
			Expect(second.Artifact.ContentHash).To(Equal(first.Artifact.ContentHash))
		})
	})

	Describe("extraction", func() {
		var manager *cache.Manager

		BeforeEach(func() {
			layout := infra.NewCacheLayout(infra.ExecModeUser, filepath.Join(tmpDir, "cache"), "demo")
			manager = cache.NewManager(layout, nil, logger)
		})

		It("should extract once and reuse the directory", func() {
			result := packageWith(nil)
			c, err := cache.Open(result.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())

			dir, extracted, err := manager.Extract(context.Background(), c, result.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(extracted).To(BeTrue())
			Expect(filepath.Join(dir, "backend", "app", "main.py")).To(BeAnExistingFile())
			Expect(filepath.Join(dir, cache.MarkerName)).To(BeAnExistingFile())

			again, extracted, err := manager.Extract(context.Background(), c, result.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			Expect(extracted).To(BeFalse())
			Expect(again).To(Equal(dir))
		})

		It("should use a new directory when the content changes", func() {
			first := packageWith(nil)
			c1, err := cache.Open(first.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			dir1, _, err := manager.Extract(context.Background(), c1, first.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())

			Expect(os.WriteFile(filepath.Join(project.Root, "src", "app", "util.py"), []byte("VALUE = 2\n"), 0644)).To(Succeed())
			second := packageWith(nil)
			c2, err := cache.Open(second.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())
			dir2, _, err := manager.Extract(context.Background(), c2, second.Artifact.Path)
			Expect(err).NotTo(HaveOccurred())

			Expect(dir2).NotTo(Equal(dir1))
			Expect(dir1).To(BeADirectory())
		})
	})

	Describe("system-interpreter build", func() {
		It("should write a directory with the launcher and requirements", func() {
			result := packageWith(func(o *config.Options) {
				o.Backend.Strategy = string(domain.StrategySystemInterpreter)
			})
			Expect(result.Artifact.Path).To(BeADirectory())
			Expect(result.Artifact.Executable).To(BeAnExistingFile())
			Expect(filepath.Join(result.Artifact.Path, strategy.LayoutMarker)).To(BeAnExistingFile())
			Expect(filepath.Join(result.Artifact.Path, "frontend", "index.html")).To(BeAnExistingFile())

			c, err := cache.Open(result.Artifact.Executable)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Descriptor.Layout).To(Equal(domain.LayoutDirectory))
			Expect(c.Assets).To(BeEmpty())
		})
	})

	Describe("configuration errors", func() {
		It("should reject a manifest with both url and frontend", func() {
			opts, err := config.LoadManifest(project.ManifestPath())
			Expect(err).NotTo(HaveOccurred())
			opts.URL = "https://example.com"

			_, err = packager.Package(context.Background(), usecase.PackageRequest{Options: *opts, Launcher: launcher})
			Expect(domain.ErrorKind(err)).To(Equal(domain.KindConfig))
		})
	})
})
