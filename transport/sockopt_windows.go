//go:build windows

// File: transport/sockopt_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "golang.org/x/sys/windows"

func setReuseAddr(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}

func setNoDelay(fd uintptr) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
}

func setBuffers(fd uintptr, recv, send int) error {
	if recv > 0 {
		if err := windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_RCVBUF, recv); err != nil {
			return err
		}
	}
	if send > 0 {
		return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_SNDBUF, send)
	}
	return nil
}
