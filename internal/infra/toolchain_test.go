package infra

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

func staticDescriptor(entry string) *domain.BuildDescriptor {
	return &domain.BuildDescriptor{
		Name: "Demo App",
		Mode: domain.ModeFullStack,
		Backend: &domain.BackendConfig{
			EntryPoint: entry,
			Strategy:   domain.StrategyStaticLinked,
			Packages:   []string{"Flask-Cors"},
		},
	}
}

func TestNuitkaToolchain_Compile(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "frontend"), 0755))

	var gotArgs []string
	run := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotArgs = args
		out := filepath.Join(workDir, "dist", "demo-app")
		require.NoError(t, os.MkdirAll(filepath.Dir(out), 0755))
		return nil, os.WriteFile(out, []byte("binary"), 0755)
	}
	tc := NewNuitkaToolchainWithDeps("python3", "linux", run, zap.NewNop())

	produced, err := tc.Compile(context.Background(), staticDescriptor("app.server:main"), workDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(workDir, "dist", "demo-app"), produced)

	assert.Contains(t, gotArgs, "--onefile")
	assert.Contains(t, gotArgs, "--include-module=app.server")
	assert.Contains(t, gotArgs, "--include-package=flask_cors")
	assert.Contains(t, gotArgs, "--include-data-dir="+filepath.Join(workDir, "frontend")+"=frontend")
	assert.Equal(t, filepath.Join(workDir, BootstrapScriptName), gotArgs[len(gotArgs)-1])

	script, err := os.ReadFile(filepath.Join(workDir, BootstrapScriptName))
	require.NoError(t, err)
	assert.Contains(t, string(script), "from app.server import main as _entry")
}

func TestNuitkaToolchain_CompileErrors(t *testing.T) {
	failing := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}
	silent := func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, nil
	}

	tests := []struct {
		name string
		tc   *NuitkaToolchain
		desc *domain.BuildDescriptor
		want string
	}{
		{"no interpreter", NewNuitkaToolchainWithDeps("", "linux", silent, nil), staticDescriptor("main.py"), "no python interpreter"},
		{"no backend", NewNuitkaToolchainWithDeps("python3", "linux", silent, nil), &domain.BuildDescriptor{Name: "x"}, "require a backend"},
		{"bad entry point", NewNuitkaToolchainWithDeps("python3", "linux", silent, nil), staticDescriptor("app:"), "invalid entry point"},
		{"compiler fails", NewNuitkaToolchainWithDeps("python3", "linux", failing, nil), staticDescriptor("main.py"), "failed to compile"},
		{"no output", NewNuitkaToolchainWithDeps("python3", "linux", silent, nil), staticDescriptor("main.py"), "did not produce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tc.Compile(context.Background(), tt.desc, t.TempDir())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNuitkaToolchain_WindowsOutputName(t *testing.T) {
	tc := NewNuitkaToolchainWithDeps("python", "windows", nil, nil)
	args := tc.Args(staticDescriptor("main.py"), domain.EntryPoint{Script: "main.py"}, t.TempDir())
	assert.Contains(t, args, "--output-filename=demo-app.exe")
}

func TestBootstrapScript(t *testing.T) {
	tests := []struct {
		name string
		ep   domain.EntryPoint
		want string
	}{
		{"script", domain.EntryPoint{Script: "app/main.py"}, `runpy.run_module("app.main"`},
		{"module", domain.EntryPoint{Module: "app.cli"}, `runpy.run_module("app.cli"`},
		{"callable", domain.EntryPoint{Module: "app.cli", Func: "run"}, "from app.cli import run as _entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, BootstrapScript(tt.ep), tt.want)
		})
	}
}
