// Package cache manages the on-disk caches of a packed artifact: the
// content-hash extraction cache and the interpreter runtime cache.
package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Archive formats accepted for runtime distributions.
const (
	FormatTarGz  = "tar.gz"
	FormatTarZst = "tar.zst"
	FormatTarLz4 = "tar.lz4"
)

func decompress(r io.Reader, format string) (io.ReadCloser, error) {
	switch format {
	case FormatTarGz:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	case FormatTarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return zr.IOReadCloser(), nil
	case FormatTarLz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}

// safeJoin resolves rel below root and rejects absolute or escaping paths.
func safeJoin(root, rel string) (string, error) {
	local := filepath.FromSlash(strings.TrimPrefix(rel, "./"))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("unsafe path %q", rel)
	}
	return filepath.Join(root, local), nil
}

// ExtractArchive unpacks a compressed tar stream into dir. Entries that would
// land outside dir are rejected. Symlinks must resolve inside dir.
func ExtractArchive(r io.Reader, format, dir string) error {
	zr, err := decompress(r, format)
	if err != nil {
		return err
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeTarFile(target, tr, os.FileMode(hdr.Mode)&0777|0600); err != nil {
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			linkDest := hdr.Linkname
			if !filepath.IsAbs(linkDest) {
				linkDest = filepath.Join(filepath.Dir(target), linkDest)
			}
			if rel, err := filepath.Rel(dir, linkDest); err != nil || !filepath.IsLocal(rel) {
				return fmt.Errorf("unsafe symlink %q -> %q", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			source, err := safeJoin(dir, hdr.Linkname)
			if err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("failed to link %s: %w", hdr.Name, err)
			}
		}
	}
}

func writeTarFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
