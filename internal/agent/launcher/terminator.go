package launcher

import (
	"errors"
	"syscall"
)

// GroupTerminator signals the child's whole process group, so agents
// that spawn their own subprocesses are cleaned up with them.
type GroupTerminator struct{}

// Terminate sends SIGTERM to the process group of pid. Signalling an
// already-dead process is not an error, which makes Terminate idempotent.
func (GroupTerminator) Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGTERM)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	// Fall back to the single process when no group exists.
	if errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EINVAL) {
		if err := syscall.Kill(pid, syscall.SIGTERM); err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
	}
	return err
}
