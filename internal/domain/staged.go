package domain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrDuplicateAsset is returned when two assets share a relative path.
var ErrDuplicateAsset = errors.New("duplicate staged asset")

// StagedSet is an ordered collection of staged assets with unique paths.
type StagedSet struct {
	assets []StagedAsset
	index  map[string]int
}

// NewStagedSet creates an empty staged set.
func NewStagedSet() *StagedSet {
	return &StagedSet{index: make(map[string]int)}
}

// Add stages data at path. Paths must be unique within one build.
func (s *StagedSet) Add(path string, data []byte) error {
	if _, exists := s.index[path]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAsset, path)
	}
	s.index[path] = len(s.assets)
	s.assets = append(s.assets, StagedAsset{Path: path, Data: data})
	return nil
}

// Has reports whether path is already staged.
func (s *StagedSet) Has(path string) bool {
	_, ok := s.index[path]
	return ok
}

// Get returns the asset staged at path.
func (s *StagedSet) Get(path string) (StagedAsset, bool) {
	i, ok := s.index[path]
	if !ok {
		return StagedAsset{}, false
	}
	return s.assets[i], true
}

// Len returns the number of staged assets.
func (s *StagedSet) Len() int {
	return len(s.assets)
}

// Assets returns the staged assets in insertion order.
func (s *StagedSet) Assets() []StagedAsset {
	out := make([]StagedAsset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Paths returns all staged paths, sorted.
func (s *StagedSet) Paths() []string {
	paths := make([]string, 0, len(s.assets))
	for _, a := range s.assets {
		paths = append(paths, a.Path)
	}
	sort.Strings(paths)
	return paths
}
