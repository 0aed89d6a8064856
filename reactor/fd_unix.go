//go:build linux || darwin

package reactor

import (
	"golang.org/x/sys/unix"
)

// validFD reports whether fd refers to an open descriptor.
func validFD(fd int) bool {
	if fd < 0 {
		return false
	}
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}
