//go:build linux

package launcher

import "syscall"

func buildSysProcAttr() *syscall.SysProcAttr {
	// Die with the coordinator. Do NOT set Setpgid here: pty.Start makes
	// the child a session leader (Setsid+Setctty), and setpgid() in a
	// session leader is rejected by the kernel. The new session already
	// gives the child its own process group for GroupTerminator.
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
	}
}
