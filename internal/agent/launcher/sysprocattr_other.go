//go:build !linux

package launcher

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	// pty.Start sets Setsid+Setctty; the new session is its own process
	// group, so nothing extra is needed (and Setpgid would conflict).
	return &syscall.SysProcAttr{}
}
