package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// BootstrapScriptName is the generated main module handed to the compiler.
const BootstrapScriptName = "__apppack_main__.py"

// NuitkaToolchain implements domain.Toolchain by driving Nuitka as a
// subprocess of the host interpreter.
type NuitkaToolchain struct {
	python string
	goos   string
	run    commandRunner
	logger *zap.Logger
}

// NewNuitkaToolchain creates a toolchain for python (empty = first on PATH).
func NewNuitkaToolchain(python string, logger *zap.Logger) *NuitkaToolchain {
	if python == "" {
		python = FindPython()
	}
	return NewNuitkaToolchainWithDeps(python, runtime.GOOS, runCommand, logger)
}

// NewNuitkaToolchainWithDeps creates a toolchain with injected dependencies (for testing).
func NewNuitkaToolchainWithDeps(python, goos string, run commandRunner, logger *zap.Logger) *NuitkaToolchain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NuitkaToolchain{python: python, goos: goos, run: run, logger: logger}
}

// Name returns the toolchain name.
func (n *NuitkaToolchain) Name() string {
	return "nuitka"
}

// Compile writes the bootstrap script into workDir, runs the compiler and
// returns the path of the produced executable. workDir must hold the staged
// tree (frontend/, backend/).
func (n *NuitkaToolchain) Compile(ctx context.Context, desc *domain.BuildDescriptor, workDir string) (string, error) {
	if n.python == "" {
		return "", fmt.Errorf("no python interpreter available for %s", n.Name())
	}
	if desc.Backend == nil {
		return "", fmt.Errorf("static-linked builds require a backend")
	}
	ep, ok := domain.ParseEntryPoint(desc.Backend.EntryPoint)
	if !ok {
		return "", fmt.Errorf("invalid entry point %q", desc.Backend.EntryPoint)
	}

	script := filepath.Join(workDir, BootstrapScriptName)
	if err := os.WriteFile(script, []byte(BootstrapScript(ep)), 0644); err != nil {
		return "", fmt.Errorf("failed to write bootstrap script: %w", err)
	}

	args := n.Args(desc, ep, workDir)
	n.logger.Info("compiling backend",
		zap.String("toolchain", n.Name()),
		zap.String("entry_point", ep.String()),
		zap.Strings("args", args))

	if _, err := n.run(ctx, n.python, args...); err != nil {
		return "", fmt.Errorf("failed to compile with %s: %w", n.Name(), err)
	}

	produced := filepath.Join(workDir, "dist", n.outputName(desc))
	if _, err := os.Stat(produced); err != nil {
		return "", fmt.Errorf("%s did not produce %s: %w", n.Name(), produced, err)
	}
	return produced, nil
}

// Args translates the descriptor into compiler arguments.
func (n *NuitkaToolchain) Args(desc *domain.BuildDescriptor, ep domain.EntryPoint, workDir string) []string {
	args := []string{
		"-m", "nuitka",
		"--onefile",
		"--assume-yes-for-downloads",
		"--remove-output",
		"--output-dir=" + filepath.Join(workDir, "dist"),
		"--output-filename=" + n.outputName(desc),
		"--include-module=" + ep.ModuleName(),
	}
	if dir := filepath.Join(workDir, "frontend"); isDir(dir) {
		args = append(args, "--include-data-dir="+dir+"=frontend")
	}
	if dir := filepath.Join(workDir, "backend", "resources"); isDir(dir) {
		args = append(args, "--include-data-dir="+dir+"=resources")
	}
	for _, pkg := range desc.Backend.Packages {
		args = append(args, "--include-package="+strings.ReplaceAll(strings.ToLower(pkg), "-", "_"))
	}
	if desc.Window.Title != "" && n.goos == "windows" {
		args = append(args, "--windows-console-mode=disable")
	}
	return append(args, filepath.Join(workDir, BootstrapScriptName))
}

func (n *NuitkaToolchain) outputName(desc *domain.BuildDescriptor) string {
	name := SanitizeAppName(desc.Name)
	if n.goos == "windows" {
		return name + ".exe"
	}
	return name
}

// BootstrapScript renders the generated main module for an entry point.
// The backend tree is put on sys.path so sources resolve as in a packed run.
func BootstrapScript(ep domain.EntryPoint) string {
	var b strings.Builder
	b.WriteString("# generated by apppack\n")
	b.WriteString("import os\nimport runpy\nimport sys\n\n")
	b.WriteString("_here = os.path.dirname(os.path.abspath(__file__))\n")
	b.WriteString("sys.path.insert(0, os.path.join(_here, \"backend\"))\n")
	b.WriteString("os.environ.setdefault(\"APPPACK_RESOURCES_DIR\", os.path.join(_here, \"resources\"))\n")
	b.WriteString("os.environ.setdefault(\"APPPACK_PACKED\", \"1\")\n\n")
	if ep.Func != "" {
		fmt.Fprintf(&b, "from %s import %s as _entry\n\n", ep.Module, ep.Func)
		b.WriteString("if __name__ == \"__main__\":\n    sys.exit(_entry())\n")
		return b.String()
	}
	fmt.Fprintf(&b, "if __name__ == \"__main__\":\n    runpy.run_module(%q, run_name=\"__main__\", alter_sys=True)\n", ep.ModuleName())
	return b.String()
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Ensure NuitkaToolchain implements domain.Toolchain.
var _ domain.Toolchain = (*NuitkaToolchain)(nil)
