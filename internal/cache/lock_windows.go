//go:build windows

package cache

import (
	"errors"

	"golang.org/x/sys/windows"
)

// isLocked reports whether err means the destination is held open by a
// running process. Loaded extension modules surface as sharing violations
// or, on rename, access denied.
func isLocked(err error) bool {
	return errors.Is(err, windows.ERROR_SHARING_VIOLATION) ||
		errors.Is(err, windows.ERROR_LOCK_VIOLATION) ||
		errors.Is(err, windows.ERROR_ACCESS_DENIED)
}
