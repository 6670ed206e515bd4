package infra

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

// commandRunner runs an external command and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = nil // Prevent any interactive prompts
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

// FindPython looks up a host interpreter on PATH.
func FindPython() string {
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

// PipResolver implements domain.PackageResolver by asking pip for the
// installed files of a distribution.
type PipResolver struct {
	python string
	run    commandRunner
}

// NewPipResolver creates a resolver for the given interpreter. An empty
// interpreter means the first python found on PATH.
func NewPipResolver(python string) *PipResolver {
	if python == "" {
		python = FindPython()
	}
	return &PipResolver{python: python, run: runCommand}
}

// NewPipResolverWithRunner creates a resolver with an injected runner (for testing).
func NewPipResolverWithRunner(python string, run commandRunner) *PipResolver {
	return &PipResolver{python: python, run: run}
}

// Locate runs `python -m pip show -f <name>` and parses its output.
func (r *PipResolver) Locate(ctx context.Context, name string) (*domain.InstalledPackage, error) {
	if r.python == "" {
		return nil, fmt.Errorf("no python interpreter available to resolve %s", name)
	}
	out, err := r.run(ctx, r.python, "-m", "pip", "show", "-f", name)
	if err != nil {
		return nil, fmt.Errorf("failed to locate package %s: %w", name, err)
	}
	pkg, err := parsePipShow(out)
	if err != nil {
		return nil, fmt.Errorf("failed to locate package %s: %w", name, err)
	}
	return pkg, nil
}

// parsePipShow reads the RFC-822 style output of `pip show -f`. File entries
// that escape the install location (console scripts) are dropped.
func parsePipShow(out []byte) (*domain.InstalledPackage, error) {
	pkg := &domain.InstalledPackage{}
	inFiles := false

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if inFiles {
			if !strings.HasPrefix(line, " ") {
				inFiles = false
			} else {
				f := path.Clean(strings.ReplaceAll(strings.TrimSpace(line), "\\", "/"))
				if f == "." || strings.HasPrefix(f, "../") || strings.HasPrefix(f, "/") {
					continue
				}
				pkg.Files = append(pkg.Files, f)
				continue
			}
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "Name":
			pkg.Name = value
		case "Location":
			pkg.Location = value
		case "Files":
			inFiles = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if pkg.Name == "" || pkg.Location == "" {
		return nil, fmt.Errorf("package not found")
	}
	if len(pkg.Files) == 0 {
		return nil, fmt.Errorf("package %s has no file record", pkg.Name)
	}
	return pkg, nil
}

// Ensure PipResolver implements domain.PackageResolver.
var _ domain.PackageResolver = (*PipResolver)(nil)
