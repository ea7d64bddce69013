//go:build !unix && !windows

// File: transport/sockopt_other.go
// Author: momentics <momentics@gmail.com>

package transport

func setReuseAddr(uintptr) error          { return nil }
func setNoDelay(uintptr) error            { return nil }
func setBuffers(uintptr, int, int) error { return nil }
