package infra

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ExecMode represents whether the tool runs with a per-user or system cache.
type ExecMode string

const (
	// ExecModeUser keeps caches under the user's cache directory.
	ExecModeUser ExecMode = "user"
	// ExecModeSystem keeps caches under a machine-wide directory (root only).
	ExecModeSystem ExecMode = "system"
)

// CacheDirEnv overrides the cache root for every application.
const CacheDirEnv = "APPPACK_CACHE_DIR"

const (
	runtimeCacheDirName  = "runtimes"
	downloadCacheDirName = "downloads"
	indexDirName         = ".index"
)

// CacheLayout holds the directories used by a packed application at run time.
type CacheLayout struct {
	Mode ExecMode
	// Root is the per-application cache root; content-hash dirs live here.
	Root string
	// RuntimeRoot holds extracted interpreter distributions.
	RuntimeRoot string
	// IndexDir holds the encrypted cache index and its key.
	IndexDir string
	// LogPath is where launched artifacts write their log.
	LogPath string
}

// DetectCacheLayout determines cache locations for app based on effective UID
// and the APPPACK_CACHE_DIR override.
func DetectCacheLayout(app string) *CacheLayout {
	base := os.Getenv(CacheDirEnv)
	mode := ExecModeUser
	if base == "" {
		if runtime.GOOS != "windows" && os.Geteuid() == 0 {
			mode = ExecModeSystem
			base = "/var/cache/apppack"
		} else {
			userCache, err := os.UserCacheDir()
			if err != nil {
				userCache = os.TempDir()
			}
			base = filepath.Join(userCache, "apppack")
		}
	}
	return NewCacheLayout(mode, base, app)
}

// NewCacheLayout builds a layout rooted at base (for testing).
func NewCacheLayout(mode ExecMode, base, app string) *CacheLayout {
	root := filepath.Join(base, SanitizeAppName(app))
	return &CacheLayout{
		Mode:        mode,
		Root:        root,
		RuntimeRoot: filepath.Join(root, runtimeCacheDirName),
		IndexDir:    filepath.Join(root, indexDirName),
		LogPath:     filepath.Join(root, "apppack.log"),
	}
}

// DownloadDir returns the shared download cache for runtime distributions.
func DownloadDir() string {
	if base := os.Getenv(CacheDirEnv); base != "" {
		return filepath.Join(base, downloadCacheDirName)
	}
	userCache, err := os.UserCacheDir()
	if err != nil {
		userCache = os.TempDir()
	}
	return filepath.Join(userCache, "apppack", downloadCacheDirName)
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeSystem:
		return "system (shared cache, root)"
	case ExecModeUser:
		return "user (per-user cache)"
	default:
		return "unknown"
	}
}

// SanitizeAppName turns an application name into a safe directory name.
func SanitizeAppName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "app"
	}
	return out
}
