package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	indexKeyFileName = ".index.key"
	keySize          = 32 // 256-bit SQLCipher key
)

// IndexKeyFile holds the SQLCipher key of one cache index. The key only
// protects the index at rest; it lives next to the database with
// owner-only permissions.
type IndexKeyFile struct {
	path string
}

// NewIndexKeyFile returns the key file for the index stored in indexDir.
func NewIndexKeyFile(indexDir string) *IndexKeyFile {
	return &IndexKeyFile{path: filepath.Join(indexDir, indexKeyFileName)}
}

// Load returns the key, creating it on first use. Two launchers starting at
// once agree on whichever key is published first.
func (f *IndexKeyFile) Load() ([]byte, error) {
	key, err := f.read()
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return key, err
	}
	return f.create()
}

func (f *IndexKeyFile) read() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode index key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid index key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// create writes a fresh key to a temp file and links it into place, so a
// reader never sees a half-written key and an existing key is never
// replaced.
func (f *IndexKeyFile) create() ([]byte, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".index.key-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to restrict key file: %w", err)
	}
	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}

	if err := os.Link(tmp.Name(), f.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return f.read()
		}
		return nil, fmt.Errorf("failed to publish key file: %w", err)
	}
	return key, nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}
