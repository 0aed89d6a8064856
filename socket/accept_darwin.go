//go:build darwin

package socket

import (
	"golang.org/x/sys/unix"
)

// accept returns a non-blocking, close-on-exec, descriptor.
func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, err
	}
	return nfd, nil
}
