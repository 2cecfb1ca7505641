//go:build linux || darwin || freebsd || netbsd || openbsd

package builtin

import "golang.org/x/sys/unix"

type unameInfo struct {
	release string
	machine string
}

func readUname() unameInfo {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return unameInfo{}
	}
	return unameInfo{
		release: unix.ByteSliceToString(u.Release[:]),
		machine: unix.ByteSliceToString(u.Machine[:]),
	}
}
