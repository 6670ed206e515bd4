package overlay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

const (
	// FormatVersion is written into every footer and header.
	FormatVersion uint32 = 1
	// FooterSize is the fixed size of the trailing footer.
	FooterSize = 24

	maxPathLen = 4096
)

// footerMagic marks the last bytes of a packed binary.
var footerMagic = [8]byte{'A', 'P', 'P', 'A', 'C', 'K', 0x00, 0x01}

type header struct {
	Format      uint32                 `cbor:"format"`
	Descriptor  domain.BuildDescriptor `cbor:"descriptor"`
	ContentHash string                 `cbor:"content_hash"`
	EntryCount  uint64                 `cbor:"entry_count"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode writes the container followed by its footer and returns the number
// of bytes written. A missing content hash is computed from the assets.
func Encode(w io.Writer, c *domain.OverlayContainer) (int64, error) {
	hash := c.ContentHash
	if hash == "" {
		hash = ContentHash(c.Assets)
	}
	hdr, err := marshal(header{
		Format:      FormatVersion,
		Descriptor:  c.Descriptor,
		ContentHash: hash,
		EntryCount:  uint64(len(c.Assets)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode header: %w", err)
	}

	bw := bufio.NewWriter(w)
	cw := &countingWriter{w: bw}

	if err := binary.Write(cw, binary.BigEndian, uint64(len(hdr))); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(hdr); err != nil {
		return cw.n, err
	}
	for _, a := range c.Assets {
		if len(a.Path) == 0 || len(a.Path) > maxPathLen {
			return cw.n, fmt.Errorf("invalid entry path length %d", len(a.Path))
		}
		if err := binary.Write(cw, binary.BigEndian, uint32(len(a.Path))); err != nil {
			return cw.n, err
		}
		if _, err := io.WriteString(cw, a.Path); err != nil {
			return cw.n, err
		}
		if err := binary.Write(cw, binary.BigEndian, uint64(len(a.Data))); err != nil {
			return cw.n, err
		}
		if _, err := cw.Write(a.Data); err != nil {
			return cw.n, err
		}
	}

	var footer [FooterSize]byte
	copy(footer[0:8], footerMagic[:])
	binary.BigEndian.PutUint32(footer[8:12], FormatVersion)
	binary.BigEndian.PutUint64(footer[16:24], uint64(cw.n))
	if _, err := cw.Write(footer[:]); err != nil {
		return cw.n, err
	}
	if err := bw.Flush(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// Marshal returns the encoded container as a byte slice.
func Marshal(c *domain.OverlayContainer) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func notPacked(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrNotPacked, fmt.Sprintf(format, args...))
}

// ReadFrom locates the container through the footer at the end of r and
// decodes it. Every failure wraps domain.ErrNotPacked.
func ReadFrom(r io.ReaderAt, size int64) (*domain.OverlayContainer, error) {
	if size < FooterSize {
		return nil, notPacked("file too small (%d bytes)", size)
	}
	var footer [FooterSize]byte
	if _, err := r.ReadAt(footer[:], size-FooterSize); err != nil {
		return nil, notPacked("failed to read footer: %v", err)
	}
	if !bytes.Equal(footer[0:8], footerMagic[:]) {
		return nil, notPacked("footer magic missing")
	}
	if v := binary.BigEndian.Uint32(footer[8:12]); v != FormatVersion {
		return nil, notPacked("unsupported format version %d", v)
	}
	containerLen := binary.BigEndian.Uint64(footer[16:24])
	if containerLen < 8 || containerLen > uint64(size-FooterSize) {
		return nil, notPacked("container length %d out of range", containerLen)
	}
	start := size - FooterSize - int64(containerLen)
	br := bufio.NewReader(io.NewSectionReader(r, start, int64(containerLen)))
	remaining := containerLen

	readLen := func(n int) (uint64, error) {
		if uint64(n) > remaining {
			return 0, io.ErrUnexpectedEOF
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return 0, err
		}
		remaining -= uint64(n)
		if n == 4 {
			return uint64(binary.BigEndian.Uint32(buf)), nil
		}
		return binary.BigEndian.Uint64(buf), nil
	}
	readBytes := func(n uint64) ([]byte, error) {
		if n > remaining {
			return nil, io.ErrUnexpectedEOF
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		remaining -= n
		return buf, nil
	}

	hdrLen, err := readLen(8)
	if err != nil {
		return nil, notPacked("failed to read header length: %v", err)
	}
	hdrBytes, err := readBytes(hdrLen)
	if err != nil {
		return nil, notPacked("failed to read header: %v", err)
	}
	var hdr header
	if err := unmarshal(hdrBytes, &hdr); err != nil {
		return nil, notPacked("failed to decode header: %v", err)
	}
	if hdr.Format != FormatVersion {
		return nil, notPacked("header format %d does not match footer", hdr.Format)
	}

	// Every entry needs at least 12 bytes of framing.
	if hdr.EntryCount > remaining/12 {
		return nil, notPacked("entry count %d exceeds container", hdr.EntryCount)
	}
	assets := make([]domain.StagedAsset, 0, hdr.EntryCount)
	for i := uint64(0); i < hdr.EntryCount; i++ {
		pathLen, err := readLen(4)
		if err != nil {
			return nil, notPacked("entry %d: %v", i, err)
		}
		if pathLen == 0 || pathLen > maxPathLen {
			return nil, notPacked("entry %d: invalid path length %d", i, pathLen)
		}
		path, err := readBytes(pathLen)
		if err != nil {
			return nil, notPacked("entry %d: %v", i, err)
		}
		dataLen, err := readLen(8)
		if err != nil {
			return nil, notPacked("entry %d: %v", i, err)
		}
		data, err := readBytes(dataLen)
		if err != nil {
			return nil, notPacked("entry %d: %v", i, err)
		}
		assets = append(assets, domain.StagedAsset{Path: string(path), Data: data})
	}
	if remaining != 0 {
		return nil, notPacked("%d trailing bytes in container", remaining)
	}

	c := &domain.OverlayContainer{
		Descriptor:  hdr.Descriptor,
		Assets:      assets,
		ContentHash: hdr.ContentHash,
	}
	if got := ContentHash(assets); got != hdr.ContentHash {
		return nil, notPacked("content hash mismatch: header %s, computed %s", hdr.ContentHash, got)
	}
	return c, nil
}

// LauncherLength returns the number of bytes preceding an appended
// container, or size when r carries none. Only the footer is inspected.
func LauncherLength(r io.ReaderAt, size int64) int64 {
	if size < FooterSize {
		return size
	}
	var footer [FooterSize]byte
	if _, err := r.ReadAt(footer[:], size-FooterSize); err != nil {
		return size
	}
	if !bytes.Equal(footer[0:8], footerMagic[:]) || binary.BigEndian.Uint32(footer[8:12]) != FormatVersion {
		return size
	}
	containerLen := binary.BigEndian.Uint64(footer[16:24])
	if containerLen > uint64(size-FooterSize) {
		return size
	}
	return size - FooterSize - int64(containerLen)
}

// Unmarshal decodes a container from an in-memory artifact.
func Unmarshal(data []byte) (*domain.OverlayContainer, error) {
	return ReadFrom(bytes.NewReader(data), int64(len(data)))
}

// Open reads the container appended to the file at path.
func Open(path string) (*domain.OverlayContainer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return ReadFrom(f, info.Size())
}

// Walk calls fn for every entry in container order and stops at the first
// error.
func Walk(c *domain.OverlayContainer, fn func(domain.StagedAsset) error) error {
	for _, a := range c.Assets {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}
