//go:build !windows

package cache

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isLocked reports whether err means the destination is held open by a
// running process.
func isLocked(err error) bool {
	return errors.Is(err, unix.ETXTBSY) || errors.Is(err, unix.EBUSY)
}
