package infra

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/apppack/internal/domain"
)

const (
	// downloadTimeout bounds a single distribution download. The client
	// itself has no timeout; requests are bounded by context instead.
	downloadTimeout = 10 * time.Minute
	userAgent       = "apppack"
)

// RuntimeSource says where interpreter distributions come from.
type RuntimeSource struct {
	// Path is a local archive. It takes precedence over URL.
	Path string
	// URL may contain {version} and {target} placeholders.
	URL string
	// SHA256 is the expected archive digest (hex). Empty skips verification.
	SHA256 string
	// Target is the platform tag, defaults to GOOS-GOARCH.
	Target string
	// Interpreter is the interpreter path inside the extracted archive.
	Interpreter string
}

// HTTPRuntimeFetcher implements domain.RuntimeFetcher for local archives and
// HTTP downloads with a local download cache.
type HTTPRuntimeFetcher struct {
	client      *http.Client
	source      RuntimeSource
	downloadDir string
	logger      *zap.Logger
}

// NewRuntimeFetcher creates a fetcher using the shared download cache.
func NewRuntimeFetcher(source RuntimeSource, logger *zap.Logger) *HTTPRuntimeFetcher {
	return NewRuntimeFetcherWithDeps(&http.Client{}, source, DownloadDir(), logger)
}

// NewRuntimeFetcherWithDeps creates a fetcher with injected dependencies (for testing).
func NewRuntimeFetcherWithDeps(client *http.Client, source RuntimeSource, downloadDir string, logger *zap.Logger) *HTTPRuntimeFetcher {
	if source.Target == "" {
		source.Target = DefaultTarget()
	}
	if source.Interpreter == "" {
		source.Interpreter = DefaultInterpreter(runtime.GOOS)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPRuntimeFetcher{
		client:      client,
		source:      source,
		downloadDir: downloadDir,
		logger:      logger,
	}
}

// Fetch returns the distribution archive for version, downloading it first
// when the source is a URL.
func (f *HTTPRuntimeFetcher) Fetch(ctx context.Context, version string) (*domain.RuntimeDistribution, error) {
	archivePath := f.source.Path
	if archivePath == "" {
		if f.source.URL == "" {
			return nil, fmt.Errorf("no runtime source configured for version %s", version)
		}
		var err error
		archivePath, err = f.download(ctx, version)
		if err != nil {
			return nil, err
		}
	}

	format, err := ArchiveFormat(archivePath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(archivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &domain.ResourceNotFound{Kind: "runtime distribution", Path: archivePath}
		}
		return nil, fmt.Errorf("failed to read runtime distribution: %w", err)
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if f.source.SHA256 != "" && !strings.EqualFold(f.source.SHA256, digest) {
		return nil, fmt.Errorf("runtime distribution checksum mismatch: got %s, want %s", digest, f.source.SHA256)
	}

	f.logger.Info("runtime distribution ready",
		zap.String("version", version),
		zap.String("target", f.source.Target),
		zap.String("format", format),
		zap.Int("size", len(data)))

	return &domain.RuntimeDistribution{
		Metadata: domain.RuntimeMetadata{
			Version:     version,
			Target:      f.source.Target,
			Size:        int64(len(data)),
			Format:      format,
			Interpreter: f.source.Interpreter,
			SHA256:      digest,
		},
		Archive: data,
	}, nil
}

// download fetches the archive into the download cache and returns its path.
// A cached file is reused when it matches the expected digest (or when no
// digest is configured).
func (f *HTTPRuntimeFetcher) download(ctx context.Context, version string) (string, error) {
	rawURL := f.expandURL(version)
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid runtime URL %q: %w", rawURL, err)
	}

	dest := filepath.Join(f.downloadDir, version+"-"+f.source.Target+"-"+path.Base(u.Path))
	if f.cachedCopyValid(dest) {
		f.logger.Debug("using cached runtime download", zap.String("path", dest))
		return dest, nil
	}

	if err := os.MkdirAll(f.downloadDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	f.logger.Info("downloading runtime distribution", zap.String("url", rawURL))
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download runtime: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("runtime download returned status %d", resp.StatusCode)
	}

	err = WriteFileAtomic(dest, 0644, func(w io.Writer) error {
		_, err := io.Copy(w, resp.Body)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	return dest, nil
}

func (f *HTTPRuntimeFetcher) cachedCopyValid(dest string) bool {
	if _, err := os.Stat(dest); err != nil {
		return false
	}
	if f.source.SHA256 == "" {
		return true
	}
	sum, err := ComputeSHA256(dest)
	return err == nil && strings.EqualFold(sum, f.source.SHA256)
}

func (f *HTTPRuntimeFetcher) expandURL(version string) string {
	r := strings.NewReplacer("{version}", version, "{target}", f.source.Target)
	return r.Replace(f.source.URL)
}

// ArchiveFormat maps an archive file name onto a distribution format.
func ArchiveFormat(name string) (string, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz", nil
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return "tar.zst", nil
	case strings.HasSuffix(lower, ".tar.lz4"):
		return "tar.lz4", nil
	}
	return "", fmt.Errorf("unsupported runtime archive format: %s", filepath.Base(name))
}

// DefaultTarget returns the platform tag of the running binary.
func DefaultTarget() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}

// DefaultInterpreter returns the interpreter path inside a standalone
// distribution for goos.
func DefaultInterpreter(goos string) string {
	if goos == "windows" {
		return "python/python.exe"
	}
	return "python/bin/python3"
}

// Ensure HTTPRuntimeFetcher implements domain.RuntimeFetcher.
var _ domain.RuntimeFetcher = (*HTTPRuntimeFetcher)(nil)
