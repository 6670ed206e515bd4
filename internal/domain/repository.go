package domain

import "context"

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// KillTree terminates a process and all of its descendants.
	KillTree(pid int) error
}

// FileSystemManager handles filesystem path operations.
type FileSystemManager interface {
	// ExpandHome expands ~ to the user's home directory.
	ExpandHome(path string) string
}

// PackageResolver locates installed third-party packages in the active
// interpreter environment.
type PackageResolver interface {
	// Locate returns the installed files of the named distribution.
	Locate(ctx context.Context, name string) (*InstalledPackage, error)
}

// Toolchain is an external ahead-of-time compiler used by the static-linked
// strategy.
type Toolchain interface {
	// Name returns the toolchain name (e.g., "nuitka").
	Name() string

	// Compile builds a standalone executable from the project rooted at
	// workDir and returns the path of the produced binary.
	Compile(ctx context.Context, desc *BuildDescriptor, workDir string) (string, error)
}

// RuntimeFetcher obtains interpreter distribution archives ahead of a build.
type RuntimeFetcher interface {
	// Fetch returns the distribution for the requested interpreter version.
	Fetch(ctx context.Context, version string) (*RuntimeDistribution, error)
}

// CacheIndex records extraction cache directories for listing and pruning.
// Implementation: SQLCipher encrypted SQLite database.
type CacheIndex interface {
	// Record stores or refreshes an entry.
	Record(entry CacheEntry) error

	// List returns all entries for an application, newest first.
	List(app string) ([]CacheEntry, error)

	// Remove deletes an entry.
	Remove(app, contentHash string) error

	// Close releases resources (e.g., database connection).
	Close() error
}

// ViewSurface is the user interface collaborator that receives backend
// traffic. The window or WebView behind it is outside this module.
type ViewSurface interface {
	// Navigate leaves the loading state and shows the application view.
	Navigate(target string) error

	// Deliver hands one event payload (a JSON line) to the view.
	Deliver(payload []byte) error
}
