//go:build linux

package launcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/coterie-dev/coterie/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return log
}

// The child becomes a session leader through the pty, so the proc attrs
// must not also request setpgid; the kernel rejects that combination at
// fork/exec and no agent would ever start.
func TestSysProcAttrCompatibleWithPTY(t *testing.T) {
	attr := buildSysProcAttr()
	if attr.Setpgid {
		t.Error("Setpgid set alongside a pty session leader")
	}
	if attr.Setsid || attr.Setctty {
		t.Error("session setup belongs to pty.Start, not buildSysProcAttr")
	}
	if attr.Pdeathsig != syscall.SIGTERM {
		t.Errorf("Pdeathsig = %v, want SIGTERM", attr.Pdeathsig)
	}
}

func TestPTYLaunchStartsChild(t *testing.T) {
	p := NewPTY(testLogger(t))

	handle, err := p.Launch(context.Background(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "exit 0"},
		Dir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer handle.Close()

	if handle.PID <= 0 {
		t.Errorf("pid = %d, want a live child", handle.PID)
	}
}

func TestPTYLaunchWritesLogFile(t *testing.T) {
	p := NewPTY(testLogger(t))
	logPath := filepath.Join(t.TempDir(), "agent", "out.log")

	handle, err := p.Launch(context.Background(), Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "echo ready"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer handle.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		data, err := os.ReadFile(logPath)
		if err == nil && strings.Contains(string(data), "ready") {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file never captured the child's output: %q (err %v)", data, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
