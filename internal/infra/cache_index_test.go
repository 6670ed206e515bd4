package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

func newTestCacheIndex(t *testing.T) (*EncryptedCacheIndex, string) {
	t.Helper()
	indexDir := t.TempDir()
	key, err := generateKey()
	require.NoError(t, err)

	idx, err := NewEncryptedCacheIndex(indexDir, key)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, indexDir
}

func TestEncryptedCacheIndex_RecordAndList(t *testing.T) {
	tests := []struct {
		name     string
		entries  []domain.CacheEntry
		app      string
		wantHash []string
	}{
		{
			name:     "empty index",
			app:      "demo",
			wantHash: nil,
		},
		{
			name: "newest first",
			entries: []domain.CacheEntry{
				{App: "demo", ContentHash: "aaa", Dir: "/c/aaa", Size: 10, ExtractedAt: 100},
				{App: "demo", ContentHash: "bbb", Dir: "/c/bbb", Size: 20, ExtractedAt: 300},
				{App: "demo", ContentHash: "ccc", Dir: "/c/ccc", Size: 30, ExtractedAt: 200},
			},
			app:      "demo",
			wantHash: []string{"bbb", "ccc", "aaa"},
		},
		{
			name: "filters by app",
			entries: []domain.CacheEntry{
				{App: "demo", ContentHash: "aaa", ExtractedAt: 1},
				{App: "other", ContentHash: "zzz", ExtractedAt: 2},
			},
			app:      "other",
			wantHash: []string{"zzz"},
		},
		{
			name: "re-record refreshes the row",
			entries: []domain.CacheEntry{
				{App: "demo", ContentHash: "aaa", Size: 1, ExtractedAt: 1},
				{App: "demo", ContentHash: "aaa", Size: 2, ExtractedAt: 5},
			},
			app:      "demo",
			wantHash: []string{"aaa"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, _ := newTestCacheIndex(t)
			for _, e := range tt.entries {
				require.NoError(t, idx.Record(e))
			}

			got, err := idx.List(tt.app)
			require.NoError(t, err)

			var hashes []string
			for _, e := range got {
				hashes = append(hashes, e.ContentHash)
			}
			assert.Equal(t, tt.wantHash, hashes)
		})
	}
}

func TestEncryptedCacheIndex_RecordStampsTime(t *testing.T) {
	idx, _ := newTestCacheIndex(t)
	fixed := time.Unix(1700000000, 0)
	idx.now = func() time.Time { return fixed }

	require.NoError(t, idx.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa"}))

	got, err := idx.List("demo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fixed.Unix(), got[0].ExtractedAt)
}

func TestEncryptedCacheIndex_RecordRequiresKey(t *testing.T) {
	idx, _ := newTestCacheIndex(t)
	assert.Error(t, idx.Record(domain.CacheEntry{App: "demo"}))
	assert.Error(t, idx.Record(domain.CacheEntry{ContentHash: "aaa"}))
}

func TestEncryptedCacheIndex_Remove(t *testing.T) {
	idx, _ := newTestCacheIndex(t)
	require.NoError(t, idx.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa", ExtractedAt: 1}))
	require.NoError(t, idx.Record(domain.CacheEntry{App: "demo", ContentHash: "bbb", ExtractedAt: 2}))

	require.NoError(t, idx.Remove("demo", "aaa"))
	require.NoError(t, idx.Remove("demo", "missing"))

	got, err := idx.List("demo")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "bbb", got[0].ContentHash)
}

func TestEncryptedCacheIndex_Encryption(t *testing.T) {
	tests := []struct {
		name   string
		testFn func(t *testing.T)
	}{
		{
			name: "database file does not leak plaintext",
			testFn: func(t *testing.T) {
				indexDir := t.TempDir()
				key, err := generateKey()
				require.NoError(t, err)

				idx, err := NewEncryptedCacheIndex(indexDir, key)
				require.NoError(t, err)
				require.NoError(t, idx.Record(domain.CacheEntry{App: "secretapp", ContentHash: "deadbeef", Dir: "/somewhere/private"}))
				idx.Close()

				raw, err := os.ReadFile(filepath.Join(indexDir, indexDBName))
				require.NoError(t, err)
				assert.NotContains(t, string(raw), "secretapp")
				assert.NotContains(t, string(raw), "/somewhere/private")
			},
		},
		{
			name: "wrong key fails to open",
			testFn: func(t *testing.T) {
				indexDir := t.TempDir()
				key1, _ := generateKey()
				key2, _ := generateKey()

				idx, err := NewEncryptedCacheIndex(indexDir, key1)
				require.NoError(t, err)
				require.NoError(t, idx.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa"}))
				idx.Close()

				_, err = NewEncryptedCacheIndex(indexDir, key2)
				assert.Error(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.testFn)
	}
}

func TestOpenCacheIndex_CreatesKeyOnce(t *testing.T) {
	layout := NewCacheLayout(ExecModeUser, t.TempDir(), "demo")

	idx, err := OpenCacheIndex(layout)
	require.NoError(t, err)
	require.NoError(t, idx.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa"}))
	require.NoError(t, idx.Close())

	reopened, err := OpenCacheIndex(layout)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.List("demo")
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, filepath.Join(layout.IndexDir, indexDBName), reopened.Path())
}

func TestEncryptedCacheIndex_CloseIdempotent(t *testing.T) {
	idx := &EncryptedCacheIndex{}
	assert.NoError(t, idx.Close())
}

func TestLazyCacheIndex(t *testing.T) {
	tests := []struct {
		name      string
		use       func(x *LazyCacheIndex) error
		wantOpens int
		wantErr   bool
	}{
		{
			name:      "close without use never opens",
			use:       func(x *LazyCacheIndex) error { return nil },
			wantOpens: 0,
		},
		{
			name: "opens once across calls",
			use: func(x *LazyCacheIndex) error {
				if err := x.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa"}); err != nil {
					return err
				}
				got, err := x.List("demo")
				if err != nil {
					return err
				}
				if len(got) != 1 {
					return fmt.Errorf("expected 1 entry, got %d", len(got))
				}
				return x.Remove("demo", "aaa")
			},
			wantOpens: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			indexDir := filepath.Join(t.TempDir(), "index")
			key, err := generateKey()
			require.NoError(t, err)
			opens := 0
			x := NewLazyCacheIndexWithOpener(func() (domain.CacheIndex, error) {
				opens++
				return NewEncryptedCacheIndex(indexDir, key)
			})

			require.NoError(t, tt.use(x))
			require.NoError(t, x.Close())
			assert.Equal(t, tt.wantOpens, opens)

			_, statErr := os.Stat(filepath.Join(indexDir, indexDBName))
			assert.Equal(t, tt.wantOpens > 0, statErr == nil, "database created only when used")
		})
	}
}

func TestLazyCacheIndex_OpenFailureRemembered(t *testing.T) {
	opens := 0
	x := NewLazyCacheIndexWithOpener(func() (domain.CacheIndex, error) {
		opens++
		return nil, errors.New("locked keychain")
	})

	err := x.Record(domain.CacheEntry{App: "demo", ContentHash: "aaa"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open cache index")

	_, err = x.List("demo")
	require.Error(t, err)
	assert.Equal(t, 1, opens)
	assert.NoError(t, x.Close())
}
