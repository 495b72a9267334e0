//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package rlsocket

import "syscall"

// reuseAddrControl ничего не делает на платформах без SO_REUSEADDR в golang.org/x/sys/unix.
func reuseAddrControl(network, address string, rc syscall.RawConn) error {
	return nil
}
