//go:build linux

package worker

import (
	"os"

	"golang.org/x/sys/unix"
)

// RerouteStdout duplicates stdout into a dedicated response channel and then
// points fd 1 at stderr, so that stray writes by anything in this process
// cannot corrupt the response stream.
func RerouteStdout() (*os.File, error) {
	fd, err := unix.Dup(int(os.Stdout.Fd()))
	if err != nil {
		return nil, err
	}
	if err := unix.Dup3(int(os.Stderr.Fd()), int(os.Stdout.Fd()), 0); err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), "to-parent"), nil
}
