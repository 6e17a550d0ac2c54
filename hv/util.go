package hv

import "golang.org/x/sys/unix"

// closeFDQuiet closes fd and swallows the error: every call site here
// is already on a cleanup path where the original error is what
// matters to the caller.
func closeFDQuiet(fd int) {
	_ = unix.Close(fd)
}
