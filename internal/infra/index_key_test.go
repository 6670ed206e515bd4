package infra

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexKeyFile_Load(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, path string)
		wantErr string
	}{
		{name: "created on first use"},
		{
			name: "corrupt key file is reported",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("not hex"), 0600))
			},
			wantErr: "decode",
		},
		{
			name: "short key is rejected",
			setup: func(t *testing.T, path string) {
				require.NoError(t, os.WriteFile(path, []byte("abcd"), 0600))
			},
			wantErr: "invalid index key size",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			indexDir := t.TempDir()
			path := filepath.Join(indexDir, indexKeyFileName)
			if tt.setup != nil {
				tt.setup(t, path)
			}

			key, err := NewIndexKeyFile(indexDir).Load()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, keySize)

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

			again, err := NewIndexKeyFile(indexDir).Load()
			require.NoError(t, err)
			assert.Equal(t, key, again, "existing key is reused")
		})
	}
}

func TestIndexKeyFile_CreatesMissingDirectory(t *testing.T) {
	indexDir := filepath.Join(t.TempDir(), "nested", ".index")
	_, err := NewIndexKeyFile(indexDir).Load()
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(indexDir, indexKeyFileName))
}

func TestIndexKeyFile_ConcurrentFirstLoad(t *testing.T) {
	indexDir := t.TempDir()
	const n = 8
	keys := make([][]byte, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys[i], errs[i] = NewIndexKeyFile(indexDir).Load()
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, keys[0], keys[i], "all launchers share one key")
	}
	leftovers, err := filepath.Glob(filepath.Join(indexDir, ".index.key-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestGenerateKey_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		key, err := generateKey()
		require.NoError(t, err)
		assert.Len(t, key, keySize)
		assert.False(t, seen[string(key)], "duplicate key generated")
		seen[string(key)] = true
	}
}
