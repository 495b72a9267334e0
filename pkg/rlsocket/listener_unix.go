//go:build linux || darwin || freebsd || netbsd || openbsd

package rlsocket

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl включает SO_REUSEADDR на слушающем сокете, чтобы сервер
// мог сразу занять порт после перезапуска.
func reuseAddrControl(network, address string, rc syscall.RawConn) error {
	var sockErr error
	err := rc.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
