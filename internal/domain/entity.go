// Package domain contains core entities and collaborator interfaces.
// This is the innermost layer - no dependencies on other internal packages.
package domain

import (
	"fmt"
	"strings"
)

// Mode identifies what kind of application is being packaged.
type Mode string

const (
	ModeURL       Mode = "url"
	ModeFrontend  Mode = "frontend"
	ModeFullStack Mode = "fullstack"
)

// Strategy selects how the backend interpreter and its dependencies are bundled.
type Strategy string

const (
	StrategyStandalone        Strategy = "standalone"
	StrategyStaticLinked      Strategy = "static-linked"
	StrategySourceOverlay     Strategy = "source-overlay"
	StrategyPortable          Strategy = "portable"
	StrategySystemInterpreter Strategy = "system-interpreter"
)

// AllStrategies lists every supported strategy in display order.
var AllStrategies = []Strategy{
	StrategyStandalone,
	StrategyStaticLinked,
	StrategySourceOverlay,
	StrategyPortable,
	StrategySystemInterpreter,
}

// ParseStrategy converts a user-supplied name into a Strategy.
// An empty name yields StrategyStandalone.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	if normalized == "" {
		return StrategyStandalone, nil
	}
	for _, s := range AllStrategies {
		if string(s) == normalized {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown strategy %q", name)
}

// IsTrailer reports whether the strategy appends an overlay trailer to a
// single launcher binary.
func (s Strategy) IsTrailer() bool {
	return s == StrategyStandalone || s == StrategySourceOverlay
}

// IsDirectory reports whether the strategy materializes loose files in an
// output directory next to the launcher.
func (s Strategy) IsDirectory() bool {
	return s == StrategyPortable || s == StrategySystemInterpreter
}

// IsolationMode controls how the backend child sees interpreter search paths.
type IsolationMode string

const (
	// IsolationInherit keeps the parent's search-path variables and prepends ours.
	IsolationInherit IsolationMode = "inherit"
	// IsolationReplace drops the parent's search-path variables entirely.
	IsolationReplace IsolationMode = "replace"
	// IsolationLayer starts from a minimal platform baseline and layers extras on top.
	IsolationLayer IsolationMode = "layer"
)

// ParseIsolationMode converts a user-supplied name into an IsolationMode.
// An empty name yields IsolationLayer.
func ParseIsolationMode(name string) (IsolationMode, error) {
	switch IsolationMode(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return IsolationLayer, nil
	case IsolationInherit:
		return IsolationInherit, nil
	case IsolationReplace:
		return IsolationReplace, nil
	case IsolationLayer:
		return IsolationLayer, nil
	}
	return "", fmt.Errorf("unknown isolation mode %q", name)
}

// IsolationPolicy is the resolved isolation configuration of a backend.
type IsolationPolicy struct {
	Mode            IsolationMode `cbor:"mode" json:"mode"`
	ExtraPythonPath []string      `cbor:"extra_python_path,omitempty" json:"extra_python_path,omitempty"`
	ExtraPath       []string      `cbor:"extra_path,omitempty" json:"extra_path,omitempty"`
}

// WindowSettings are passed through to the view surface untouched.
type WindowSettings struct {
	Title     string `cbor:"title,omitempty" json:"title,omitempty"`
	Width     int    `cbor:"width,omitempty" json:"width,omitempty"`
	Height    int    `cbor:"height,omitempty" json:"height,omitempty"`
	Resizable bool   `cbor:"resizable" json:"resizable"`
	Frameless bool   `cbor:"frameless,omitempty" json:"frameless,omitempty"`
	DevTools  bool   `cbor:"devtools,omitempty" json:"devtools,omitempty"`
}

// Licensing carries optional license gating data for the packaged app.
type Licensing struct {
	Enabled    bool   `cbor:"enabled" json:"enabled"`
	ExpiresAt  string `cbor:"expires_at,omitempty" json:"expires_at,omitempty"`
	RequireKey bool   `cbor:"require_key,omitempty" json:"require_key,omitempty"`
}

// Hooks extend resource collection at build time.
type Hooks struct {
	// Collect holds glob patterns whose matches are staged as resources.
	Collect []string `cbor:"collect,omitempty" json:"collect,omitempty"`
	// Script is an optional Lua file that may add resources and binaries.
	Script string `cbor:"script,omitempty" json:"script,omitempty"`
}

// BackendConfig describes the backend interpreter process of a full-stack app.
type BackendConfig struct {
	EntryPoint       string          `cbor:"entry_point" json:"entry_point"`
	Strategy         Strategy        `cbor:"strategy" json:"strategy"`
	Version          string          `cbor:"version,omitempty" json:"version,omitempty"`
	IncludePaths     []string        `cbor:"include_paths,omitempty" json:"include_paths,omitempty"`
	Packages         []string        `cbor:"packages,omitempty" json:"packages,omitempty"`
	RequirementsFile string          `cbor:"requirements_file,omitempty" json:"requirements_file,omitempty"`
	ExcludePatterns  []string        `cbor:"exclude_patterns,omitempty" json:"exclude_patterns,omitempty"`
	ExternalBinaries []string        `cbor:"external_binaries,omitempty" json:"external_binaries,omitempty"`
	Resources        []string        `cbor:"resources,omitempty" json:"resources,omitempty"`
	Isolation        IsolationPolicy `cbor:"isolation" json:"isolation"`
}

// BuildDescriptor is the validated, immutable description of one build.
// Only the configuration resolver constructs it.
type BuildDescriptor struct {
	Name         string `cbor:"name" json:"name"`
	Version      string `cbor:"version,omitempty" json:"version,omitempty"`
	Mode         Mode   `cbor:"mode" json:"mode"`
	URL          string `cbor:"url,omitempty" json:"url,omitempty"`
	FrontendPath string `cbor:"frontend_path,omitempty" json:"frontend_path,omitempty"`
	// Entry is the page loaded from frontend/, relative to it.
	Entry     string            `cbor:"entry,omitempty" json:"entry,omitempty"`
	Backend   *BackendConfig    `cbor:"backend,omitempty" json:"backend,omitempty"`
	Window    WindowSettings    `cbor:"window" json:"window"`
	Env       map[string]string `cbor:"env,omitempty" json:"env,omitempty"`
	Licensing *Licensing        `cbor:"licensing,omitempty" json:"licensing,omitempty"`
	Hooks     *Hooks            `cbor:"hooks,omitempty" json:"hooks,omitempty"`
	// Layout is "trailer" or "directory"; set by the builder when written.
	Layout string `cbor:"layout,omitempty" json:"layout,omitempty"`
}

// Strategy returns the backend strategy, or StrategySourceOverlay for
// descriptors without a backend (frontend-only apps still ship as a trailer).
func (d *BuildDescriptor) Strategy() Strategy {
	if d.Backend == nil {
		return StrategySourceOverlay
	}
	return d.Backend.Strategy
}

// Layout values recorded in a written descriptor.
const (
	LayoutTrailer   = "trailer"
	LayoutDirectory = "directory"
)

// Staging namespaces. Keys are prefixed to avoid collisions.
const (
	NamespaceFrontend     = "frontend/"
	NamespaceBackend      = "backend/"
	NamespaceSitePackages = "backend/site-packages/"
	NamespaceBin          = "backend/bin/"
	NamespaceResources    = "backend/resources/"
	NamespaceRuntime      = "runtime/"
)

// Directory-layout locations, relative to the artifact directory.
const (
	DirLibSitePackages = "lib/site-packages"
	DirLibBin          = "lib/bin"
	DirLibRuntime      = "lib/runtime"
)

// RuntimeMetadataPath is the container entry holding RuntimeMetadata JSON.
const RuntimeMetadataPath = NamespaceRuntime + "metadata.json"

// StagedAsset is one file destined for the artifact.
type StagedAsset struct {
	Path string
	Data []byte
}

// OverlayContainer is the self-describing payload attached to a launcher.
type OverlayContainer struct {
	Descriptor  BuildDescriptor
	Assets      []StagedAsset
	ContentHash string
}

// Asset returns the asset stored at path.
func (c *OverlayContainer) Asset(path string) (StagedAsset, bool) {
	for _, a := range c.Assets {
		if a.Path == path {
			return a, true
		}
	}
	return StagedAsset{}, false
}

// RuntimeMetadata describes an embedded interpreter distribution archive.
type RuntimeMetadata struct {
	Version string `json:"version"`
	Target  string `json:"target"`
	Size    int64  `json:"size"`
	// Format is the archive format: "tar.gz", "tar.zst" or "tar.lz4".
	Format string `json:"format"`
	// Interpreter is the interpreter path relative to the extracted root.
	Interpreter string `json:"interpreter"`
	SHA256      string `json:"sha256,omitempty"`
}

// CacheKey names the runtime cache directory for this distribution.
func (m RuntimeMetadata) CacheKey() string {
	return m.Version + "-" + m.Target
}

// RuntimeDistribution is a fetched interpreter archive ready for embedding.
type RuntimeDistribution struct {
	Metadata RuntimeMetadata
	Archive  []byte
}

// ArchivePath is the container entry name for the distribution archive.
func (r *RuntimeDistribution) ArchivePath() string {
	return NamespaceRuntime + "distribution." + r.Metadata.Format
}

// InstalledPackage is a third-party package found in an interpreter environment.
type InstalledPackage struct {
	Name string
	// Location is the site-packages directory that holds the package.
	Location string
	// Files are paths relative to Location.
	Files []string
}

// CacheEntry is a record of one extraction cache directory.
type CacheEntry struct {
	App         string
	ContentHash string
	Dir         string
	Size        int64
	ExtractedAt int64
}
