//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package server

import "syscall"

// SO_REUSEPORT is not available, sockets are opened as usual.
func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
