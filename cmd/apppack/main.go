// Package main is the CLI entry point for apppack.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/apppack/internal/cache"
	"github.com/eliteGoblin/focusd/apppack/internal/collect"
	"github.com/eliteGoblin/focusd/apppack/internal/config"
	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
	"github.com/eliteGoblin/focusd/apppack/internal/strategy"
	"github.com/eliteGoblin/focusd/apppack/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	// A packed artifact is this binary with a container appended; run the
	// application instead of the CLI.
	if exe, err := os.Executable(); err == nil {
		c, err := cache.Open(exe)
		switch {
		case err == nil:
			os.Exit(runPacked(exe, c))
		case !errors.Is(err, domain.ErrNotPacked):
			fmt.Fprintf(os.Stderr, "apppack: %v\n", err)
			os.Exit(1)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "apppack",
	Short: "Package web front-ends and interpreter back-ends into one executable",
	Long: `apppack bundles a web front-end, an optional interpreter back-end and
its dependencies into a single self-contained artifact. When the artifact
runs it extracts itself into a content-addressed cache, starts the
back-end and hands traffic to the view host over stdin/stdout.`,
	Version:      Version,
	SilenceUsage: true,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build an artifact",
	Long: `Builds an artifact from a manifest (--config) and/or flags. Flags override
manifest values. Paths given on the command line are relative to the
current directory; paths inside a manifest are relative to the manifest.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var runCmd = &cobra.Command{
	Use:   "run <artifact>",
	Short: "Run a packed artifact in this process",
	Long: `Runs a packed artifact without executing it: useful when the artifact
was built for a launcher that cannot run here. Host messages are read from
stdin and events are written to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <artifact>",
	Short: "Show the descriptor and contents of an artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage extraction caches",
}

var cacheListCmd = &cobra.Command{
	Use:   "list <app>",
	Short: "List extraction cache directories of an application",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheList,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune <app>",
	Short: "Remove all but the newest extraction cache directories",
	Args:  cobra.ExactArgs(1),
	RunE:  runCachePrune,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	verbose    bool
	jsonOutput bool
	pruneKeep  int
	build      buildFlags
)

type buildFlags struct {
	manifest     string
	name         string
	appVersion   string
	url          string
	frontend     string
	entryPoint   string
	strategy     string
	pyVersion    string
	include      []string
	packages     []string
	requirements string
	exclude      []string
	binaries     []string
	resources    []string
	isolation    string
	runtimePath  string
	runtimeURL   string
	runtimeSHA   string
	output       string
	launcher     string
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	f := buildCmd.Flags()
	f.StringVarP(&build.manifest, "config", "c", "", "Manifest file (.yaml, .yml, .json or .jsonc)")
	f.StringVar(&build.name, "name", "", "Application name")
	f.StringVar(&build.appVersion, "app-version", "", "Application version")
	f.StringVar(&build.url, "url", "", "Hosted URL to wrap")
	f.StringVar(&build.frontend, "frontend", "", "Front-end directory or single HTML file")
	f.StringVar(&build.entryPoint, "entry-point", "", "Back-end entry point (script.py, module or module:function)")
	f.StringVar(&build.strategy, "strategy", "", "Back-end strategy: "+strategyNames())
	f.StringVar(&build.pyVersion, "python-version", "", "Interpreter version for standalone builds")
	f.StringSliceVar(&build.include, "include", nil, "Back-end source paths")
	f.StringSliceVar(&build.packages, "package", nil, "Third-party packages to bundle")
	f.StringVar(&build.requirements, "requirements", "", "Requirements file")
	f.StringSliceVar(&build.exclude, "exclude", nil, "Exclusion patterns")
	f.StringSliceVar(&build.binaries, "binary", nil, "External executables to bundle")
	f.StringSliceVar(&build.resources, "resource", nil, "Resource files or directories")
	f.StringVar(&build.isolation, "isolation", "", "Search path isolation: inherit, replace or layer")
	f.StringVar(&build.runtimePath, "runtime-path", "", "Local interpreter distribution archive")
	f.StringVar(&build.runtimeURL, "runtime-url", "", "Interpreter distribution URL ({version} and {target} are expanded)")
	f.StringVar(&build.runtimeSHA, "runtime-sha256", "", "Expected distribution digest")
	f.StringVarP(&build.output, "output", "o", "", "Output path (default dist/<name>)")
	f.StringVar(&build.launcher, "launcher", "", "Launcher binary (default: this executable)")

	inspectCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cacheListCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cachePruneCmd.Flags().IntVar(&pruneKeep, "keep", 1, "Number of newest directories to keep")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(versionCmd)
}

func strategyNames() string {
	s := ""
	for i, name := range domain.AllStrategies {
		if i > 0 {
			s += ", "
		}
		s += string(name)
	}
	return s
}

func newCLILogger() *zap.Logger {
	config := zap.NewDevelopmentConfig()
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	config.DisableStacktrace = true
	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runBuild(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	opts, err := buildOptions(cmd)
	if err != nil {
		return err
	}

	launcher := build.launcher
	if launcher == "" {
		if launcher, err = os.Executable(); err != nil {
			return fmt.Errorf("failed to get executable path: %w", err)
		}
	}

	python := infra.FindPython()
	collector := collect.NewCollector(infra.NewPipResolver(python), logger)
	registry := strategy.NewRegistry(infra.NewNuitkaToolchain(python, logger), logger)

	var fetcher domain.RuntimeFetcher
	if rt := opts.Runtime; rt != nil && (rt.Path != "" || rt.URL != "") {
		source := infra.RuntimeSource{
			Path:        rt.Path,
			URL:         rt.URL,
			SHA256:      rt.SHA256,
			Target:      rt.Target,
			Interpreter: rt.Interpreter,
		}
		if source.Path != "" && !filepath.IsAbs(source.Path) {
			source.Path = filepath.Join(opts.BaseDir, source.Path)
		}
		fetcher = infra.NewRuntimeFetcher(source, logger)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	packager := usecase.NewPackager(collector, fetcher, registry, logger)
	result, err := packager.Package(ctx, usecase.PackageRequest{
		Options:  *opts,
		Launcher: launcher,
		Output:   build.output,
	})
	if err != nil {
		return err
	}

	a := result.Artifact
	fmt.Println("\n=== apppack Build ===")
	fmt.Printf("Name:      %s\n", result.Descriptor.Name)
	fmt.Printf("Mode:      %s\n", result.Descriptor.Mode)
	fmt.Printf("Strategy:  %s\n", a.Strategy)
	fmt.Printf("Artifact:  %s\n", a.Path)
	if a.Executable != a.Path {
		fmt.Printf("Launcher:  %s\n", a.Executable)
	}
	fmt.Printf("Entries:   %d (%s)\n", a.Entries, humanSize(a.Size))
	fmt.Printf("Hash:      %s\n", a.ContentHash)
	if n := len(result.Report.Warnings); n > 0 {
		fmt.Printf("\nWarnings (%d):\n", n)
		for _, w := range result.Report.Warnings {
			fmt.Printf("  - %s\n", w)
		}
	}
	fmt.Println("=====================")
	return nil
}

// buildOptions loads the manifest, if any, and applies flags on top.
func buildOptions(cmd *cobra.Command) (*config.Options, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	opts := &config.Options{BaseDir: cwd}
	if build.manifest != "" {
		if opts, err = config.LoadManifest(build.manifest); err != nil {
			return nil, err
		}
	}

	changed := cmd.Flags().Changed
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(cwd, p)
	}
	absAll := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, p := range paths {
			out[i] = abs(p)
		}
		return out
	}

	if changed("name") {
		opts.Name = build.name
	}
	if changed("app-version") {
		opts.Version = build.appVersion
	}
	if changed("url") {
		opts.URL = build.url
	}
	if changed("frontend") {
		opts.FrontendPath = abs(build.frontend)
	}

	backendFlags := []string{"entry-point", "strategy", "python-version", "include", "package", "requirements", "exclude", "binary", "resource", "isolation"}
	for _, name := range backendFlags {
		if changed(name) && opts.Backend == nil {
			opts.Backend = &config.BackendOptions{}
		}
	}
	if b := opts.Backend; b != nil {
		if changed("entry-point") {
			b.EntryPoint = build.entryPoint
		}
		if changed("strategy") {
			b.Strategy = build.strategy
		}
		if changed("python-version") {
			b.Version = build.pyVersion
		}
		if changed("include") {
			b.IncludePaths = absAll(build.include)
		}
		if changed("package") {
			b.Packages = build.packages
		}
		if changed("requirements") {
			b.RequirementsFile = abs(build.requirements)
		}
		if changed("exclude") {
			b.ExcludePatterns = build.exclude
		}
		if changed("binary") {
			b.ExternalBinaries = absAll(build.binaries)
		}
		if changed("resource") {
			b.Resources = absAll(build.resources)
		}
		if changed("isolation") {
			b.Isolation.Mode = build.isolation
		}
	}

	if changed("runtime-path") || changed("runtime-url") || changed("runtime-sha256") {
		if opts.Runtime == nil {
			opts.Runtime = &config.RuntimeOptions{}
		}
		if changed("runtime-path") {
			opts.Runtime.Path = abs(build.runtimePath)
		}
		if changed("runtime-url") {
			opts.Runtime.URL = build.runtimeURL
		}
		if changed("runtime-sha256") {
			opts.Runtime.SHA256 = build.runtimeSHA
		}
	}
	return opts, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	c, err := cache.Open(args[0])
	if err != nil {
		return err
	}
	if code := runPacked(args[0], c); code != 0 {
		return fmt.Errorf("application exited with status %d", code)
	}
	return nil
}

type inspectOutput struct {
	Path        string                 `json:"path"`
	Descriptor  domain.BuildDescriptor `json:"descriptor"`
	ContentHash string                 `json:"content_hash"`
	Entries     []inspectEntry         `json:"entries"`
}

type inspectEntry struct {
	Path string `json:"path"`
	Size int    `json:"size"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	c, err := cache.Open(args[0])
	if err != nil {
		return err
	}
	out := inspectOutput{Path: args[0], Descriptor: c.Descriptor, ContentHash: c.ContentHash}
	var total int64
	err = overlay.Walk(c, func(a domain.StagedAsset) error {
		out.Entries = append(out.Entries, inspectEntry{Path: a.Path, Size: len(a.Data)})
		total += int64(len(a.Data))
		return nil
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	d := c.Descriptor
	fmt.Println("\n=== apppack Artifact ===")
	fmt.Printf("Name:      %s\n", d.Name)
	if d.Version != "" {
		fmt.Printf("Version:   %s\n", d.Version)
	}
	fmt.Printf("Mode:      %s\n", d.Mode)
	if d.URL != "" {
		fmt.Printf("URL:       %s\n", d.URL)
	}
	if d.Backend != nil {
		fmt.Printf("Strategy:  %s\n", d.Backend.Strategy)
		fmt.Printf("Entry:     %s\n", d.Backend.EntryPoint)
		fmt.Printf("Isolation: %s\n", d.Backend.Isolation.Mode)
	}
	fmt.Printf("Layout:    %s\n", d.Layout)
	fmt.Printf("Hash:      %s\n", c.ContentHash)
	fmt.Printf("Entries:   %d (%s)\n", len(c.Assets), humanSize(total))
	if verbose {
		for _, e := range out.Entries {
			fmt.Printf("  %8s  %s\n", humanSize(int64(e.Size)), e.Path)
		}
	}
	fmt.Println("========================")
	return nil
}

func openCacheManager(app string, logger *zap.Logger) (*cache.Manager, func(), error) {
	layout := infra.DetectCacheLayout(app)
	index, err := infra.OpenCacheIndex(layout)
	if err != nil {
		return nil, nil, err
	}
	return cache.NewManager(layout, index, logger), func() { _ = index.Close() }, nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	m, closeIndex, err := openCacheManager(args[0], logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	entries, err := m.List(args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Printf("No cache directories for %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HASH\tSIZE\tEXTRACTED\tDIR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			shortHash(e.ContentHash),
			humanSize(e.Size),
			time.Unix(e.ExtractedAt, 0).Format(time.DateTime),
			e.Dir)
	}
	return w.Flush()
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	m, closeIndex, err := openCacheManager(args[0], logger)
	if err != nil {
		return err
	}
	defer closeIndex()

	removed, err := m.Prune(args[0], pruneKeep)
	if err != nil {
		return err
	}
	var freed int64
	for _, e := range removed {
		freed += e.Size
		fmt.Printf("  - %s\n", e.Dir)
	}
	fmt.Printf("Removed %d cache directories (%s)\n", len(removed), humanSize(freed))
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("apppack %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
