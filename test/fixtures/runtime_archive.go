package fixtures

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// RuntimeArchive builds a compressed tar of files in the given format
// ("tar.gz", "tar.zst" or "tar.lz4"). Paths ending in "/" become directories
// and files under bin/ are executable.
func RuntimeArchive(format string, files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := compressor(&buf, format)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tar.NewWriter(zw)
	for _, name := range names {
		hdr := &tar.Header{Name: name, Mode: 0644, Typeflag: tar.TypeReg, Size: int64(len(files[name]))}
		if strings.HasSuffix(name, "/") {
			hdr = &tar.Header{Name: name, Mode: 0755, Typeflag: tar.TypeDir}
		} else if strings.Contains(name, "bin/") {
			hdr.Mode = 0755
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := io.WriteString(tw, files[name]); err != nil {
				return nil, err
			}
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RuntimeWithSymlink builds a tar.gz containing a single symlink entry.
func RuntimeWithSymlink(name, target string) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	if err := tw.WriteHeader(&tar.Header{Name: name, Linkname: target, Typeflag: tar.TypeSymlink, Mode: 0777}); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressor(w io.Writer, format string) (io.WriteCloser, error) {
	switch format {
	case "tar.gz":
		return gzip.NewWriter(w), nil
	case "tar.zst":
		return zstd.NewWriter(w)
	case "tar.lz4":
		return lz4.NewWriter(w), nil
	}
	return nil, fmt.Errorf("unsupported archive format %q", format)
}
