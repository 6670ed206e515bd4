package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
)

// Environment contract with the backend process.
const (
	EnvResourcesDir = "APPPACK_RESOURCES_DIR"
	EnvSearchPath   = "APPPACK_SEARCH_PATH"
	EnvPython       = "APPPACK_PYTHON"
	EnvAppDir       = "APPPACK_APP_DIR"
	EnvPacked       = "APPPACK_PACKED"
)

// LaunchSpec is a fully resolved backend command.
type LaunchSpec struct {
	Interpreter string
	Args        []string
	Dir         string
	Env         []string
}

// ResolveInterpreter returns the interpreter executable for a strategy.
// Standalone builds use the extracted runtime; portable builds prefer the
// runtime shipped under lib/runtime; every other strategy uses the host.
func ResolveInterpreter(s domain.Strategy, appDir, runtimeDir string, meta *domain.RuntimeMetadata) (string, error) {
	switch s {
	case domain.StrategyStandalone:
		if runtimeDir == "" {
			return "", &domain.ProcessSpawnError{Interpreter: "embedded runtime", Err: errors.New("no runtime distribution extracted")}
		}
		rel := infra.DefaultInterpreter(runtime.GOOS)
		if meta != nil && meta.Interpreter != "" {
			rel = meta.Interpreter
		}
		path := filepath.Join(runtimeDir, filepath.FromSlash(rel))
		if !isFile(path) {
			return "", &domain.ProcessSpawnError{Interpreter: path, Err: os.ErrNotExist}
		}
		return path, nil
	case domain.StrategyPortable:
		bundled := filepath.Join(appDir, filepath.FromSlash(domain.DirLibRuntime), filepath.FromSlash(infra.DefaultInterpreter(runtime.GOOS)))
		if isFile(bundled) {
			return bundled, nil
		}
		return hostInterpreter()
	case domain.StrategySourceOverlay, domain.StrategySystemInterpreter:
		return hostInterpreter()
	}
	return "", &domain.ProcessSpawnError{Interpreter: string(s), Err: fmt.Errorf("strategy %q has no external interpreter", s)}
}

func hostInterpreter() (string, error) {
	if p := infra.FindPython(); p != "" {
		return p, nil
	}
	return "", &domain.ProcessSpawnError{Interpreter: "python3", Err: exec.ErrNotFound}
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}

// BuildLaunchSpec assembles the command line and environment of the backend
// rooted at appDir. parentEnv is the launcher's environment in os.Environ
// form.
func BuildLaunchSpec(desc *domain.BuildDescriptor, appDir, interpreter string, parentEnv []string) (*LaunchSpec, error) {
	return buildLaunchSpec(desc, appDir, interpreter, parentEnv, runtime.GOOS)
}

func buildLaunchSpec(desc *domain.BuildDescriptor, appDir, interpreter string, parentEnv []string, goos string) (*LaunchSpec, error) {
	if desc.Backend == nil {
		return nil, &domain.ConfigError{Field: "backend", Reason: "descriptor has no backend"}
	}
	ep, ok := domain.ParseEntryPoint(desc.Backend.EntryPoint)
	if !ok {
		return nil, &domain.ConfigError{Field: "backend.entry_point", Reason: fmt.Sprintf("invalid entry point %q", desc.Backend.EntryPoint)}
	}

	backendDir := filepath.Join(appDir, "backend")
	resourcesDir := filepath.Join(appDir, filepath.FromSlash(domain.NamespaceResources))
	searchPath := []string{
		backendDir,
		resourcesDir,
		filepath.Join(appDir, filepath.FromSlash(domain.NamespaceSitePackages)),
	}
	binDirs := []string{filepath.Join(appDir, filepath.FromSlash(domain.NamespaceBin))}
	if desc.Layout == domain.LayoutDirectory {
		searchPath = append(searchPath, filepath.Join(appDir, filepath.FromSlash(domain.DirLibSitePackages)))
		binDirs = append(binDirs, filepath.Join(appDir, filepath.FromSlash(domain.DirLibBin)))
	}

	env := newEnvironment(parentEnv, goos)
	isolation := desc.Backend.Isolation
	sep := listSeparator(goos)

	switch isolation.Mode {
	case domain.IsolationInherit:
		env.set("PYTHONPATH", joinPaths(sep, searchPath, env.list("PYTHONPATH", sep)))
		env.set("PATH", joinPaths(sep, binDirs, env.list("PATH", sep)))
	case domain.IsolationReplace:
		env.dropPrefix("PYTHON")
		env.set("PYTHONPATH", joinPaths(sep, searchPath))
		env.set("PATH", joinPaths(sep, binDirs, env.list("PATH", sep)))
		env.set("PYTHONNOUSERSITE", "1")
	default:
		env.dropPrefix("PYTHON")
		env.set("PYTHONPATH", joinPaths(sep, searchPath, isolation.ExtraPythonPath))
		env.set("PATH", joinPaths(sep, binDirs, isolation.ExtraPath, baselinePath(env, goos)))
		env.set("PYTHONNOUSERSITE", "1")
	}

	keys := make([]string, 0, len(desc.Env))
	for k := range desc.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env.set(k, desc.Env[k])
	}

	pythonPath, _ := env.get("PYTHONPATH")
	env.set(EnvResourcesDir, resourcesDir)
	env.set(EnvSearchPath, pythonPath)
	env.set(EnvPython, interpreter)
	env.set(EnvAppDir, appDir)
	env.set(EnvPacked, "1")
	env.set("PYTHONUNBUFFERED", "1")

	return &LaunchSpec{
		Interpreter: interpreter,
		Args:        entryArgs(ep, backendDir),
		Dir:         appDir,
		Env:         env.environ(),
	}, nil
}

// entryArgs renders the interpreter arguments for an entry point.
func entryArgs(ep domain.EntryPoint, backendDir string) []string {
	switch {
	case ep.Script != "":
		return []string{filepath.Join(backendDir, filepath.FromSlash(ep.Script))}
	case ep.Func != "":
		code := fmt.Sprintf("import sys; from %s import %s as _entry; sys.exit(_entry())", ep.Module, ep.Func)
		return []string{"-c", code}
	default:
		return []string{"-m", ep.Module}
	}
}

func listSeparator(goos string) string {
	if goos == "windows" {
		return ";"
	}
	return ":"
}

func joinPaths(sep string, groups ...[]string) string {
	var parts []string
	seen := make(map[string]bool)
	for _, g := range groups {
		for _, p := range g {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, sep)
}

// baselinePath is the minimal platform PATH used by layered isolation.
func baselinePath(env *environment, goos string) []string {
	switch goos {
	case "windows":
		root, ok := env.get("SystemRoot")
		if !ok || root == "" {
			root = `C:\Windows`
		}
		return []string{root + `\System32`, root, root + `\System32\Wbem`}
	case "darwin":
		return []string{"/usr/bin", "/bin", "/usr/sbin", "/sbin"}
	default:
		return []string{"/usr/local/bin", "/usr/bin", "/bin", "/usr/sbin", "/sbin"}
	}
}

// environment is an ordered KEY=VALUE list. Keys compare case-insensitively
// on windows.
type environment struct {
	keys   []string
	values map[string]string
	fold   bool
}

func newEnvironment(environ []string, goos string) *environment {
	e := &environment{values: make(map[string]string), fold: goos == "windows"}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		e.set(k, v)
	}
	return e
}

func (e *environment) norm(k string) string {
	if e.fold {
		return strings.ToUpper(k)
	}
	return k
}

func (e *environment) find(k string) int {
	n := e.norm(k)
	for i, existing := range e.keys {
		if e.norm(existing) == n {
			return i
		}
	}
	return -1
}

func (e *environment) set(k, v string) {
	if i := e.find(k); i >= 0 {
		e.values[e.norm(e.keys[i])] = v
		return
	}
	e.keys = append(e.keys, k)
	e.values[e.norm(k)] = v
}

func (e *environment) get(k string) (string, bool) {
	if e.find(k) < 0 {
		return "", false
	}
	return e.values[e.norm(k)], true
}

func (e *environment) list(k, sep string) []string {
	v, ok := e.get(k)
	if !ok || v == "" {
		return nil
	}
	return strings.Split(v, sep)
}

func (e *environment) dropPrefix(prefix string) {
	p := e.norm(prefix)
	kept := e.keys[:0]
	for _, k := range e.keys {
		if strings.HasPrefix(e.norm(k), p) {
			delete(e.values, e.norm(k))
			continue
		}
		kept = append(kept, k)
	}
	e.keys = kept
}

func (e *environment) environ() []string {
	out := make([]string, 0, len(e.keys))
	for _, k := range e.keys {
		out = append(out, k+"="+e.values[e.norm(k)])
	}
	return out
}
