package config

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
)

// DefaultRuntimeVersion is the interpreter version used by standalone builds
// that do not pin one.
const DefaultRuntimeVersion = "3.12"

var versionPattern = regexp.MustCompile(`^\d+(\.\d+)*$`)

// homePaths expands a leading ~ in configured paths.
var homePaths domain.FileSystemManager = infra.NewFileSystemManager()

func fail(field, reason string) error {
	return &domain.ConfigError{Field: field, Reason: reason}
}

// Resolve validates opts and builds the descriptor. It performs no I/O and
// returns either a complete descriptor or a *domain.ConfigError.
func Resolve(opts Options) (*domain.BuildDescriptor, error) {
	rawURL := strings.TrimSpace(opts.URL)
	frontend := strings.TrimSpace(opts.FrontendPath)

	switch {
	case rawURL == "" && frontend == "":
		return nil, fail("url/frontend", "one of url or frontend must be set")
	case rawURL != "" && frontend != "":
		return nil, fail("url/frontend", "url and frontend are mutually exclusive")
	}

	desc := &domain.BuildDescriptor{
		Version: strings.TrimSpace(opts.Version),
	}
	if desc.Version != "" && !versionPattern.MatchString(desc.Version) {
		return nil, fail("version", "must be digits separated by dots")
	}

	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fail("url", "must be an absolute http or https URL")
		}
		if opts.Backend != nil {
			return nil, fail("backend", "a hosted url cannot carry a backend")
		}
		desc.Mode = domain.ModeURL
		desc.URL = u.String()
		desc.Name = u.Hostname()
	} else {
		desc.Mode = domain.ModeFrontend
		desc.FrontendPath = anchor(opts.BaseDir, frontend)
		desc.Name = filepath.Base(desc.FrontendPath)
		desc.Entry = "index.html"
		if ext := strings.ToLower(filepath.Ext(desc.FrontendPath)); ext == ".html" || ext == ".htm" {
			desc.Entry = filepath.Base(desc.FrontendPath)
			desc.Name = strings.TrimSuffix(desc.Name, filepath.Ext(desc.Name))
		}
	}

	if name := strings.TrimSpace(opts.Name); name != "" {
		desc.Name = name
	}
	desc.Name = infra.SanitizeAppName(desc.Name)

	if opts.Backend != nil {
		backend, err := resolveBackend(opts.BaseDir, opts.Backend)
		if err != nil {
			return nil, err
		}
		desc.Mode = domain.ModeFullStack
		desc.Backend = backend
	}

	window, err := resolveWindow(opts.Window)
	if err != nil {
		return nil, err
	}
	desc.Window = window

	if len(opts.Env) > 0 {
		desc.Env = make(map[string]string, len(opts.Env))
		for k, v := range opts.Env {
			if k == "" || strings.ContainsAny(k, "=\x00") {
				return nil, fail("env", "invalid variable name "+strconv.Quote(k))
			}
			desc.Env[k] = v
		}
	}

	if opts.Licensing != nil {
		lic := &domain.Licensing{
			Enabled:    opts.Licensing.Enabled,
			ExpiresAt:  strings.TrimSpace(opts.Licensing.ExpiresAt),
			RequireKey: opts.Licensing.RequireKey,
		}
		if lic.ExpiresAt != "" {
			if _, err := time.Parse("2006-01-02", lic.ExpiresAt); err != nil {
				return nil, fail("licensing.expires_at", "must be a YYYY-MM-DD date")
			}
		}
		desc.Licensing = lic
	}

	if opts.Hooks != nil {
		hooks := &domain.Hooks{Collect: anchorAll(opts.BaseDir, opts.Hooks.Collect)}
		if script := strings.TrimSpace(opts.Hooks.Script); script != "" {
			if !strings.EqualFold(filepath.Ext(script), ".lua") {
				return nil, fail("hooks.script", "must be a .lua file")
			}
			hooks.Script = anchor(opts.BaseDir, script)
		}
		desc.Hooks = hooks
	}

	return desc, nil
}

func resolveBackend(base string, b *BackendOptions) (*domain.BackendConfig, error) {
	entry := strings.TrimSpace(b.EntryPoint)
	if entry == "" {
		return nil, fail("backend.entry_point", "must not be empty")
	}
	if _, ok := domain.ParseEntryPoint(entry); !ok {
		return nil, fail("backend.entry_point", "must be a .py path, module or module:function")
	}

	strategy, err := domain.ParseStrategy(b.Strategy)
	if err != nil {
		return nil, fail("backend.strategy", err.Error())
	}

	version := strings.TrimSpace(b.Version)
	if version != "" && !versionPattern.MatchString(version) {
		return nil, fail("backend.version", "must be digits separated by dots")
	}
	if version == "" && strategy == domain.StrategyStandalone {
		version = DefaultRuntimeVersion
	}

	mode, err := domain.ParseIsolationMode(b.Isolation.Mode)
	if err != nil {
		return nil, fail("backend.isolation.mode", err.Error())
	}

	for _, p := range b.ExcludePatterns {
		if strings.TrimSpace(p) == "" {
			return nil, fail("backend.exclude", "patterns must not be empty")
		}
	}

	includes := b.IncludePaths
	if len(includes) == 0 {
		includes = []string{"."}
	}

	cfg := &domain.BackendConfig{
		EntryPoint:       entry,
		Strategy:         strategy,
		Version:          version,
		IncludePaths:     anchorAll(base, includes),
		Packages:         trimAll(b.Packages),
		ExcludePatterns:  trimAll(b.ExcludePatterns),
		ExternalBinaries: anchorAll(base, b.ExternalBinaries),
		Resources:        anchorAll(base, b.Resources),
		Isolation: domain.IsolationPolicy{
			Mode:            mode,
			ExtraPythonPath: trimAll(b.Isolation.ExtraPythonPath),
			ExtraPath:       trimAll(b.Isolation.ExtraPath),
		},
	}
	if req := strings.TrimSpace(b.RequirementsFile); req != "" {
		cfg.RequirementsFile = anchor(base, req)
	}
	return cfg, nil
}

func resolveWindow(w WindowOptions) (domain.WindowSettings, error) {
	if w.Width < 0 {
		return domain.WindowSettings{}, fail("window.width", "must not be negative")
	}
	if w.Height < 0 {
		return domain.WindowSettings{}, fail("window.height", "must not be negative")
	}
	resizable := true
	if w.Resizable != nil {
		resizable = *w.Resizable
	}
	return domain.WindowSettings{
		Title:     w.Title,
		Width:     w.Width,
		Height:    w.Height,
		Resizable: resizable,
		Frameless: w.Frameless,
		DevTools:  w.DevTools,
	}, nil
}

// anchor expands ~ and joins a relative path onto base.
func anchor(base, p string) string {
	p = homePaths.ExpandHome(strings.TrimSpace(p))
	if base == "" || filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(base, p)
}

func anchorAll(base string, paths []string) []string {
	var out []string
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, anchor(base, p))
	}
	return out
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
