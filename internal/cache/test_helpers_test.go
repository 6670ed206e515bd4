package cache

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

// mockIndex is an in-memory domain.CacheIndex.
type mockIndex struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
	records int
}

func newMockIndex() *mockIndex {
	return &mockIndex{entries: make(map[string]domain.CacheEntry)}
}

func (m *mockIndex) Record(e domain.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records++
	m.entries[e.App+"/"+e.ContentHash] = e
	return nil
}

func (m *mockIndex) List(app string) ([]domain.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CacheEntry
	for _, e := range m.entries {
		if e.App == app {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractedAt > out[j].ExtractedAt })
	return out, nil
}

func (m *mockIndex) Remove(app, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, app+"/"+hash)
	return nil
}

func (m *mockIndex) Close() error { return nil }

var _ domain.CacheIndex = (*mockIndex)(nil)

func testLayout(t *testing.T) *infra.CacheLayout {
	t.Helper()
	return infra.NewCacheLayout(infra.ExecModeUser, t.TempDir(), "demo")
}

func container(assets ...domain.StagedAsset) *domain.OverlayContainer {
	return &domain.OverlayContainer{
		Descriptor:  domain.BuildDescriptor{Name: "demo", Mode: domain.ModeFullStack, Layout: domain.LayoutTrailer},
		Assets:      assets,
		ContentHash: overlay.ContentHash(assets),
	}
}

func asset(path, data string) domain.StagedAsset {
	return domain.StagedAsset{Path: path, Data: []byte(data)}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}
