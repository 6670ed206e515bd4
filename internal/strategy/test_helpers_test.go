package strategy

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/test/fixtures"
)

const launcherBytes = "LAUNCHER-BINARY"

// mockToolchain is a domain.Toolchain that records the staged work tree.
type mockToolchain struct {
	err      error
	staged   []string
	produced string
}

func (m *mockToolchain) Name() string { return "mock" }

func (m *mockToolchain) Compile(_ context.Context, desc *domain.BuildDescriptor, workDir string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	filepath.WalkDir(workDir, func(p string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			rel, _ := filepath.Rel(workDir, p)
			m.staged = append(m.staged, filepath.ToSlash(rel))
		}
		return nil
	})
	out := filepath.Join(workDir, "dist", desc.Name)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return "", err
	}
	m.produced = "COMPILED " + desc.Backend.EntryPoint
	return out, os.WriteFile(out, []byte(m.produced), 0755)
}

var _ domain.Toolchain = (*mockToolchain)(nil)

// mockBuilder records the requests it receives.
type mockBuilder struct {
	strategy domain.Strategy
	requests []*Request
}

func (m *mockBuilder) Strategy() domain.Strategy { return m.strategy }

func (m *mockBuilder) Build(_ context.Context, req *Request) (*Artifact, error) {
	m.requests = append(m.requests, req)
	return &Artifact{Strategy: m.strategy, Path: req.Output}, nil
}

func writeLauncher(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "apppack")
	require.NoError(t, os.WriteFile(p, []byte(launcherBytes), 0755))
	return p
}

func descriptor(s domain.Strategy) *domain.BuildDescriptor {
	return &domain.BuildDescriptor{
		Name:    "demo",
		Version: "1.0.0",
		Mode:    domain.ModeFullStack,
		Backend: &domain.BackendConfig{
			EntryPoint: "app.main:run",
			Strategy:   s,
			Version:    "3.12",
			Isolation:  domain.IsolationPolicy{Mode: domain.IsolationLayer},
		},
	}
}

func stagedSet(t *testing.T) *domain.StagedSet {
	t.Helper()
	set := domain.NewStagedSet()
	for _, a := range []domain.StagedAsset{
		{Path: "frontend/index.html", Data: []byte("<html>")},
		{Path: "backend/app/main.py", Data: []byte("def run(): pass")},
		{Path: "backend/app/util.py", Data: []byte("X = 1")},
		{Path: "backend/resources/logo.png", Data: []byte("png")},
		{Path: "backend/site-packages/requests/__init__.py", Data: []byte("")},
		{Path: "backend/bin/helper", Data: []byte("#!/bin/sh")},
	} {
		require.NoError(t, set.Add(a.Path, a.Data))
	}
	return set
}

func runtimeDist(t *testing.T) *domain.RuntimeDistribution {
	t.Helper()
	archive, err := fixtures.RuntimeArchive("tar.gz", map[string]string{
		"python/bin/python3": "#!/bin/sh",
		"python/lib/os.py":   "# os",
	})
	require.NoError(t, err)
	return &domain.RuntimeDistribution{
		Metadata: domain.RuntimeMetadata{
			Version:     "3.12",
			Target:      "linux-amd64",
			Format:      "tar.gz",
			Interpreter: "python/bin/python3",
		},
		Archive: archive,
	}
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
