package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
	"github.com/eliteGoblin/focusd/apppack/internal/infra"
	"github.com/eliteGoblin/focusd/apppack/internal/overlay"
)

const (
	// MarkerName is written last into a complete extraction directory.
	MarkerName = ".cache_valid"
	// VersionName is written last into a complete runtime directory.
	VersionName = ".version"
	// WorkersEnv overrides the extraction worker count.
	WorkersEnv = "APPPACK_WORKERS"
)

// Marker is the content of MarkerName.
type Marker struct {
	App         string    `json:"app"`
	ContentHash string    `json:"content_hash"`
	Entries     int       `json:"entries"`
	Size        int64     `json:"size"`
	ExtractedAt time.Time `json:"extracted_at"`
	// Paths lists the extracted entries, sorted. The content hash covers
	// bytes only, so a rename-only rebuild is told apart here.
	Paths []string `json:"paths"`
}

func (mk *Marker) matches(contentHash string, paths []string) bool {
	return mk.ContentHash == contentHash && slices.Equal(mk.Paths, paths)
}

type writeFunc func(path string, data []byte, mode os.FileMode) error

// Manager extracts overlay containers into the cache and keeps the index
// of extraction directories.
type Manager struct {
	layout  *infra.CacheLayout
	index   domain.CacheIndex
	workers int
	write   writeFunc
	locked  func(error) bool
	now     func() time.Time
	logger  *zap.Logger
}

// NewManager creates a manager for layout. index may be nil.
func NewManager(layout *infra.CacheLayout, index domain.CacheIndex, logger *zap.Logger) *Manager {
	return NewManagerWithDeps(layout, index, WorkersFromEnv(), logger)
}

// NewManagerWithDeps creates a manager with an explicit worker count (for testing).
func NewManagerWithDeps(layout *infra.CacheLayout, index domain.CacheIndex, workers int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	return &Manager{
		layout:  layout,
		index:   index,
		workers: workers,
		write:   writeAtomic,
		locked:  isLocked,
		now:     time.Now,
		logger:  logger,
	}
}

// WorkersFromEnv returns APPPACK_WORKERS when it is a positive integer,
// otherwise the number of CPUs.
func WorkersFromEnv() int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(WorkersEnv))); err == nil && v > 0 {
		return v
	}
	return runtime.NumCPU()
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	return infra.WriteFileAtomic(path, mode, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// Open reads the container appended to exe.
func Open(exe string) (*domain.OverlayContainer, error) {
	return overlay.Open(exe)
}

// Dir returns the extraction directory for a content hash.
func (m *Manager) Dir(contentHash string) string {
	return filepath.Join(m.layout.Root, contentHash)
}

// Extract materializes the container's application assets and returns the
// application directory. extracted is false when a complete extraction was
// already present, in which case nothing is written. Directory-layout
// containers resolve to the directory holding exe.
func (m *Manager) Extract(ctx context.Context, c *domain.OverlayContainer, exe string) (string, bool, error) {
	if c.Descriptor.Layout == domain.LayoutDirectory {
		return filepath.Dir(exe), false, nil
	}
	if c.ContentHash == "" || !filepath.IsLocal(c.ContentHash) || strings.ContainsAny(c.ContentHash, `/\`) {
		return "", false, fmt.Errorf("invalid content hash %q", c.ContentHash)
	}

	dir := m.Dir(c.ContentHash)
	assets, err := m.plan(dir, c.Assets)
	if err != nil {
		return "", false, err
	}
	paths := make([]string, len(assets))
	for i, a := range assets {
		paths[i] = a.rel
	}
	sort.Strings(paths)

	if marker, err := readMarker(dir); err == nil && marker.matches(c.ContentHash, paths) {
		m.logger.Debug("extraction cache hit", zap.String("dir", dir))
		return dir, false, nil
	}

	var size int64
	for _, a := range assets {
		size += int64(len(a.data))
	}
	marker := Marker{
		App:         c.Descriptor.Name,
		ContentHash: c.ContentHash,
		Entries:     len(assets),
		Size:        size,
		ExtractedAt: m.now().UTC(),
		Paths:       paths,
	}

	if _, err := os.Lstat(dir); os.IsNotExist(err) {
		installed, err := m.extractFresh(ctx, dir, c.Assets, &marker)
		if err != nil {
			return "", false, err
		}
		if !installed {
			return dir, false, nil
		}
	} else if err := m.extractInPlace(ctx, dir, assets, &marker); err != nil {
		return "", false, err
	}

	m.logger.Info("extracted overlay",
		zap.String("dir", dir),
		zap.Int("entries", len(assets)),
		zap.Int64("bytes", size),
		zap.Int("workers", m.workers))

	if m.index != nil {
		err := m.index.Record(domain.CacheEntry{
			App:         c.Descriptor.Name,
			ContentHash: c.ContentHash,
			Dir:         dir,
			Size:        size,
			ExtractedAt: marker.ExtractedAt.Unix(),
		})
		if err != nil {
			m.logger.Warn("failed to record extraction", zap.Error(err))
		}
	}
	return dir, true, nil
}

// extractFresh writes a new extraction into a temp dir under the cache root
// and renames it into place. installed is false when a concurrent launcher
// completed the same extraction first.
func (m *Manager) extractFresh(ctx context.Context, dir string, staged []domain.StagedAsset, marker *Marker) (bool, error) {
	if err := os.MkdirAll(m.layout.Root, 0755); err != nil {
		return false, fmt.Errorf("failed to create cache root: %w", err)
	}
	tmp, err := os.MkdirTemp(m.layout.Root, ".extract-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	assets, err := m.plan(tmp, staged)
	if err != nil {
		return false, err
	}
	if err := m.writeAll(ctx, tmp, assets, marker); err != nil {
		return false, err
	}
	if err := os.Rename(tmp, dir); err != nil {
		if current, readErr := readMarker(dir); readErr == nil && current.matches(marker.ContentHash, marker.Paths) {
			m.logger.Debug("extraction completed concurrently", zap.String("dir", dir))
			return false, nil
		}
		return false, fmt.Errorf("failed to install extraction: %w", err)
	}
	return true, nil
}

// extractInPlace repairs an existing directory that is partial or was
// written for a different set of paths. Files may be held open by a running
// instance, so the directory is rewritten entry by entry rather than
// replaced, and files no longer listed are removed.
func (m *Manager) extractInPlace(ctx context.Context, dir string, assets []plannedEntry, marker *Marker) error {
	// Drop the old marker first so an interrupted repair is never a hit.
	if err := os.Remove(filepath.Join(dir, MarkerName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear marker: %w", err)
	}
	if err := m.writeAll(ctx, dir, assets, marker); err != nil {
		return err
	}
	m.removeStale(dir, marker.Paths)
	return nil
}

// writeAll writes assets with the worker pool and then the marker.
func (m *Manager) writeAll(ctx context.Context, dir string, assets []plannedEntry, marker *Marker) error {
	if err := m.makeDirs(dir, assets); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, a := range assets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return m.writeEntry(a)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode marker: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, MarkerName), data, 0644); err != nil {
		return fmt.Errorf("failed to write marker: %w", err)
	}
	return nil
}

// removeStale deletes files under dir that are not in paths. Failures are
// logged; a leftover file is never loaded by the new layout.
func (m *Manager) removeStale(dir string, paths []string) {
	keep := make(map[string]bool, len(paths)+1)
	for _, p := range paths {
		keep[p] = true
	}
	keep[MarkerName] = true

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if keep[filepath.ToSlash(rel)] {
			return nil
		}
		if err := os.Remove(path); err != nil {
			m.logger.Warn("failed to remove stale file", zap.String("path", rel), zap.Error(err))
		} else {
			m.logger.Debug("removed stale file", zap.String("path", rel))
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("failed to scan for stale files", zap.String("dir", dir), zap.Error(err))
	}
}

type plannedEntry struct {
	rel  string
	path string
	data []byte
	mode os.FileMode
}

// plan validates every path before anything is written. Runtime entries are
// extracted separately by ExtractRuntime.
func (m *Manager) plan(dir string, assets []domain.StagedAsset) ([]plannedEntry, error) {
	planned := make([]plannedEntry, 0, len(assets))
	for _, a := range assets {
		if strings.HasPrefix(a.Path, domain.NamespaceRuntime) {
			continue
		}
		target, err := safeJoin(dir, a.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to extract overlay: %w", err)
		}
		if a.Path == MarkerName {
			return nil, fmt.Errorf("failed to extract overlay: reserved path %q", a.Path)
		}
		mode := os.FileMode(0644)
		if strings.HasPrefix(a.Path, domain.NamespaceBin) {
			mode = 0755
		}
		planned = append(planned, plannedEntry{rel: a.Path, path: target, data: a.Data, mode: mode})
	}
	return planned, nil
}

// makeDirs creates each parent directory once, shallowest first.
func (m *Manager) makeDirs(dir string, assets []plannedEntry) error {
	seen := map[string]bool{dir: true}
	dirs := []string{dir}
	for _, a := range assets {
		parent := filepath.Dir(a.path)
		if !seen[parent] {
			seen[parent] = true
			dirs = append(dirs, parent)
		}
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", d, err)
		}
	}
	return nil
}

// writeEntry writes one asset. A destination held open by a running process
// is accepted when its bytes already match.
func (m *Manager) writeEntry(a plannedEntry) error {
	err := m.write(a.path, a.data, a.mode)
	if err == nil {
		return nil
	}
	if !m.locked(err) {
		return fmt.Errorf("failed to write %s: %w", a.rel, err)
	}
	existing, readErr := os.ReadFile(a.path)
	if readErr != nil || !bytes.Equal(existing, a.data) {
		return &domain.ExtractionConflict{Path: a.rel}
	}
	m.logger.Debug("locked file already current", zap.String("path", a.rel))
	return nil
}

func readMarker(dir string) (*Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	if err != nil {
		return nil, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("failed to decode marker: %w", err)
	}
	return &marker, nil
}

// ExtractRuntime unpacks the embedded interpreter distribution, if any, and
// returns its directory. An empty path means the container carries no
// runtime. An existing directory whose .version matches is reused.
func (m *Manager) ExtractRuntime(ctx context.Context, c *domain.OverlayContainer) (string, *domain.RuntimeMetadata, error) {
	metaAsset, ok := c.Asset(domain.RuntimeMetadataPath)
	if !ok {
		return "", nil, nil
	}
	var meta domain.RuntimeMetadata
	if err := json.Unmarshal(metaAsset.Data, &meta); err != nil {
		return "", nil, fmt.Errorf("failed to decode runtime metadata: %w", err)
	}
	key := meta.CacheKey()
	if !filepath.IsLocal(key) || strings.ContainsAny(key, `/\`) {
		return "", nil, fmt.Errorf("invalid runtime key %q", key)
	}

	dir := filepath.Join(m.layout.RuntimeRoot, key)
	if runtimeCurrent(dir, key) {
		m.logger.Debug("runtime cache hit", zap.String("dir", dir))
		return dir, &meta, nil
	}

	dist := &domain.RuntimeDistribution{Metadata: meta}
	archive, ok := c.Asset(dist.ArchivePath())
	if !ok {
		return "", nil, &domain.ResourceNotFound{Kind: "runtime distribution", Path: dist.ArchivePath()}
	}
	if meta.SHA256 != "" {
		sum := sha256.Sum256(archive.Data)
		if got := hex.EncodeToString(sum[:]); !strings.EqualFold(got, meta.SHA256) {
			return "", nil, fmt.Errorf("runtime checksum mismatch: expected %s, got %s", meta.SHA256, got)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	if err := os.MkdirAll(m.layout.RuntimeRoot, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create runtime root: %w", err)
	}
	tmp, err := os.MkdirTemp(m.layout.RuntimeRoot, ".extract-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := ExtractArchive(bytes.NewReader(archive.Data), meta.Format, tmp); err != nil {
		return "", nil, fmt.Errorf("failed to extract runtime: %w", err)
	}

	// A directory without a matching .version is an interrupted extraction.
	if err := os.RemoveAll(dir); err != nil {
		return "", nil, fmt.Errorf("failed to clear stale runtime: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		if runtimeCurrent(dir, key) {
			return dir, &meta, nil
		}
		return "", nil, fmt.Errorf("failed to install runtime: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, VersionName), []byte(key), 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write runtime version: %w", err)
	}

	m.logger.Info("extracted runtime",
		zap.String("dir", dir),
		zap.String("version", meta.Version),
		zap.String("format", meta.Format))
	return dir, &meta, nil
}

func runtimeCurrent(dir, key string) bool {
	data, err := os.ReadFile(filepath.Join(dir, VersionName))
	return err == nil && strings.TrimSpace(string(data)) == key
}

// List returns the recorded extraction directories of app, newest first.
func (m *Manager) List(app string) ([]domain.CacheEntry, error) {
	if m.index == nil {
		return nil, nil
	}
	return m.index.List(app)
}

// Prune removes all but the keep newest extraction directories of app and
// returns the removed entries. Directories outside the cache root are never
// touched.
func (m *Manager) Prune(app string, keep int) ([]domain.CacheEntry, error) {
	entries, err := m.List(app)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	if keep < 0 {
		keep = 0
	}
	if len(entries) <= keep {
		return nil, nil
	}

	var removed []domain.CacheEntry
	for _, e := range entries[keep:] {
		rel, err := filepath.Rel(m.layout.Root, e.Dir)
		if err != nil || !filepath.IsLocal(rel) {
			m.logger.Warn("skipping cache entry outside root", zap.String("dir", e.Dir))
			continue
		}
		if err := os.RemoveAll(e.Dir); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", e.Dir, err)
		}
		if err := m.index.Remove(e.App, e.ContentHash); err != nil {
			return removed, fmt.Errorf("failed to update index: %w", err)
		}
		m.logger.Info("pruned extraction", zap.String("dir", e.Dir))
		removed = append(removed, e)
	}
	return removed, nil
}
