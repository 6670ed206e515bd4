// Package config turns raw build options into a validated BuildDescriptor.
package config

// Options is the raw, unvalidated build intent. It is filled from a
// manifest file and command-line flags, then handed to Resolve.
type Options struct {
	Name         string            `yaml:"name" json:"name"`
	Version      string            `yaml:"version" json:"version"`
	URL          string            `yaml:"url" json:"url"`
	FrontendPath string            `yaml:"frontend" json:"frontend"`
	Backend      *BackendOptions   `yaml:"backend" json:"backend"`
	Window       WindowOptions     `yaml:"window" json:"window"`
	Env          map[string]string `yaml:"env" json:"env"`
	Licensing    *LicensingOptions `yaml:"licensing" json:"licensing"`
	Hooks        *HookOptions      `yaml:"hooks" json:"hooks"`

	// Runtime says where the standalone interpreter distribution comes
	// from. It is consumed at build time and never embedded.
	Runtime *RuntimeOptions `yaml:"runtime" json:"runtime"`

	// BaseDir anchors relative paths. LoadManifest sets it to the
	// manifest's directory.
	BaseDir string `yaml:"-" json:"-"`
}

// BackendOptions configures the backend interpreter process.
type BackendOptions struct {
	EntryPoint       string           `yaml:"entry_point" json:"entry_point"`
	Strategy         string           `yaml:"strategy" json:"strategy"`
	Version          string           `yaml:"version" json:"version"`
	IncludePaths     []string         `yaml:"include" json:"include"`
	Packages         []string         `yaml:"packages" json:"packages"`
	RequirementsFile string           `yaml:"requirements" json:"requirements"`
	ExcludePatterns  []string         `yaml:"exclude" json:"exclude"`
	ExternalBinaries []string         `yaml:"binaries" json:"binaries"`
	Resources        []string         `yaml:"resources" json:"resources"`
	Isolation        IsolationOptions `yaml:"isolation" json:"isolation"`
}

// IsolationOptions configures the backend's search-path isolation.
type IsolationOptions struct {
	Mode            string   `yaml:"mode" json:"mode"`
	ExtraPythonPath []string `yaml:"extra_pythonpath" json:"extra_pythonpath"`
	ExtraPath       []string `yaml:"extra_path" json:"extra_path"`
}

// WindowOptions are passed through to the view surface.
type WindowOptions struct {
	Title     string `yaml:"title" json:"title"`
	Width     int    `yaml:"width" json:"width"`
	Height    int    `yaml:"height" json:"height"`
	Resizable *bool  `yaml:"resizable" json:"resizable"`
	Frameless bool   `yaml:"frameless" json:"frameless"`
	DevTools  bool   `yaml:"devtools" json:"devtools"`
}

// LicensingOptions gate the packaged app behind a license.
type LicensingOptions struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ExpiresAt  string `yaml:"expires_at" json:"expires_at"`
	RequireKey bool   `yaml:"require_key" json:"require_key"`
}

// HookOptions extend resource collection.
type HookOptions struct {
	Collect []string `yaml:"collect" json:"collect"`
	Script  string   `yaml:"script" json:"script"`
}

// RuntimeOptions locate a standalone interpreter distribution.
type RuntimeOptions struct {
	Path        string `yaml:"path" json:"path"`
	URL         string `yaml:"url" json:"url"`
	SHA256      string `yaml:"sha256" json:"sha256"`
	Target      string `yaml:"target" json:"target"`
	Interpreter string `yaml:"interpreter" json:"interpreter"`
}
