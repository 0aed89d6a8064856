//go:build linux

package socket

import (
	"golang.org/x/sys/unix"
)

// accept returns a non-blocking, close-on-exec, descriptor.
func accept(fd int) (int, error) {
	nfd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	return nfd, err
}
