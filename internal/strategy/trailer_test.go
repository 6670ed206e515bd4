package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

func containerPaths(t *testing.T, c *domain.OverlayContainer) []string {
	t.Helper()
	var paths []string
	require.NoError(t, overlay.Walk(c, func(a domain.StagedAsset) error {
		paths = append(paths, a.Path)
		return nil
	}))
	return paths
}

func TestStandaloneBuilder_SelectsRuntimeAndSources(t *testing.T) {
	set := domain.NewStagedSet()
	require.NoError(t, set.Add("backend/app/main.py", []byte("def run(): pass")))
	require.NoError(t, set.Add("backend/app/util.py", []byte("X = 1")))
	require.NoError(t, set.Add("backend/resources/logo.png", []byte("png")))

	output := filepath.Join(t.TempDir(), "dist", "demo")
	art, err := NewRegistry(nil, zap.NewNop()).Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategyStandalone),
		Assets:     set,
		Runtime:    runtimeDist(t),
		Launcher:   writeLauncher(t),
		Output:     output,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyStandalone, art.Strategy)
	assert.Equal(t, 5, art.Entries)

	c, err := overlay.Open(output)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"backend/app/main.py",
		"backend/app/util.py",
		"backend/resources/logo.png",
		"runtime/distribution.tar.gz",
		"runtime/metadata.json",
	}, containerPaths(t, c))
	assert.Equal(t, domain.LayoutTrailer, c.Descriptor.Layout)
	assert.Equal(t, "app.main:run", c.Descriptor.Backend.EntryPoint)
	assert.Equal(t, art.ContentHash, c.ContentHash)

	metaAsset, ok := c.Asset(domain.RuntimeMetadataPath)
	require.True(t, ok)
	var meta domain.RuntimeMetadata
	require.NoError(t, json.Unmarshal(metaAsset.Data, &meta))
	assert.Equal(t, "3.12", meta.Version)
	assert.Positive(t, meta.Size)

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, launcherBytes, string(data[:len(launcherBytes)]))
	if runtime.GOOS != "windows" {
		info, err := os.Stat(output)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	}
}

func TestStandaloneBuilder_RequiresRuntime(t *testing.T) {
	output := filepath.Join(t.TempDir(), "demo")
	_, err := NewStandaloneBuilder(nil).Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategyStandalone),
		Assets:     stagedSet(t),
		Launcher:   writeLauncher(t),
		Output:     output,
	})
	var notFound *domain.ResourceNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "runtime distribution", notFound.Kind)
	assert.NoFileExists(t, output)
}

func TestSourceOverlayBuilder(t *testing.T) {
	output := filepath.Join(t.TempDir(), "demo")
	set := stagedSet(t)
	_, err := NewSourceOverlayBuilder(nil).Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategySourceOverlay),
		Assets:     set,
		Runtime:    runtimeDist(t),
		Launcher:   writeLauncher(t),
		Output:     output,
	})
	require.NoError(t, err)

	c, err := overlay.Open(output)
	require.NoError(t, err)
	assert.Equal(t, set.Paths(), sortedCopy(containerPaths(t, c)), "no runtime entries embedded")
}

func TestTrailerBuilder_MissingLauncher(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "demo")
	_, err := NewSourceOverlayBuilder(nil).Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategySourceOverlay),
		Assets:     stagedSet(t),
		Launcher:   filepath.Join(dir, "missing"),
		Output:     output,
	})
	var notFound *domain.ResourceNotFound
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "launcher", notFound.Kind)
	assert.NoFileExists(t, output)
}

func TestTrailerBuilder_PackedLauncherIsStripped(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first")
	second := filepath.Join(dir, "second")
	b := NewSourceOverlayBuilder(nil)

	_, err := b.Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategySourceOverlay), Assets: stagedSet(t), Launcher: writeLauncher(t), Output: first,
	})
	require.NoError(t, err)

	small := domain.NewStagedSet()
	require.NoError(t, small.Add("backend/app/main.py", []byte("v2")))
	art, err := b.Build(context.Background(), &Request{
		Descriptor: descriptor(domain.StrategySourceOverlay), Assets: small, Launcher: first, Output: second,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte(launcherBytes)), "launcher bytes copied once")
	assert.Equal(t, int64(len(data)), art.Size)

	c, err := overlay.Open(second)
	require.NoError(t, err)
	assert.Equal(t, []string{"backend/app/main.py"}, containerPaths(t, c))
}
