// Package launcher spawns agent child processes on a pseudo-terminal
// and terminates them by process group. Agents are interactive CLIs that
// expect a tty; running them on a pty keeps their output line-buffered
// and their prompts functional.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/logger"
)

// Spec describes the child process to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the parent environment
	LogPath string   // pty output sink; empty discards output
}

// Handle refers to a spawned child.
type Handle struct {
	PID int

	ptmx io.Closer
	once sync.Once
}

// Close releases the pty master. It does not signal the child; use a
// Terminator for that.
func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		if h.ptmx != nil {
			err = h.ptmx.Close()
		}
	})
	return err
}

// Launcher spawns agent processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Handle, error)
}

// PTY is the production Launcher.
type PTY struct {
	logger *logger.Logger
}

// NewPTY creates a pty-backed Launcher.
func NewPTY(log *logger.Logger) *PTY {
	return &PTY{logger: log.WithComponent("launcher")}
}

// Launch starts the command on a fresh pty in its own process group and
// streams its output to the spec's log file. The returned handle carries
// the child's PID; the child keeps running after Close.
func (p *PTY) Launch(ctx context.Context, spec Spec) (*Handle, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("launch command is empty")
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = buildSysProcAttr()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Command, err)
	}

	sink := io.Discard
	var logFile *os.File
	if spec.LogPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.LogPath), 0o755); err == nil {
			if logFile, err = os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				sink = logFile
			}
		}
		if sink == io.Discard {
			p.logger.Warn("Failed to open agent log file, discarding output",
				zap.String("path", spec.LogPath))
		}
	}

	go func() {
		_, _ = io.Copy(sink, ptmx)
		if logFile != nil {
			_ = logFile.Close()
		}
	}()
	go func() {
		// Reap the child so it never lingers as a zombie.
		_ = cmd.Wait()
	}()

	p.logger.Info("Agent process launched",
		zap.String("command", spec.Command),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("dir", spec.Dir))

	return &Handle{PID: cmd.Process.Pid, ptmx: ptmx}, nil
}
