//go:build unix

package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// banner names the kernel and machine of the host.
func banner() string {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "(uname failed)"
	}
	return fmt.Sprintf("%s %s %s %s", cstr(u.Nodename[:]), cstr(u.Sysname[:]), cstr(u.Release[:]), cstr(u.Machine[:]))
}
