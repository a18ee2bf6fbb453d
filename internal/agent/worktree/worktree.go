// Package worktree manages git worktrees for agent workspaces. Each
// launched agent can get its own worktree so concurrent agents never
// trample one another's checkouts.
package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/common/logger"
)

// ErrWorktreeExists is returned when the target directory or branch is
// already taken. Collisions are a caller decision, not a crash.
var ErrWorktreeExists = errors.New("worktree already exists")

// Config controls worktree placement.
type Config struct {
	// BasePath is the directory worktrees are created under. Defaults
	// to <repo>/.worktrees.
	BasePath string
	// BranchPrefix is prepended to worktree branch names.
	BranchPrefix string
}

// Manager creates and lists git worktrees via the git CLI.
type Manager struct {
	cfg    Config
	logger *logger.Logger
}

// NewManager creates a Manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "coterie/"
	}
	return &Manager{cfg: cfg, logger: log.WithComponent("worktree")}
}

// Create adds a worktree named name off the repository at repoPath and
// returns its absolute path. The branch is BranchPrefix+name off HEAD.
func (m *Manager) Create(ctx context.Context, repoPath, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("worktree name is empty")
	}

	base := m.cfg.BasePath
	if base == "" {
		base = filepath.Join(repoPath, ".worktrees")
	}
	target := filepath.Join(base, name)
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, target)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worktree base: %w", err)
	}

	branch := m.cfg.BranchPrefix + name
	out, err := m.git(ctx, repoPath, "worktree", "add", "-b", branch, target)
	if err != nil {
		if strings.Contains(out, "already exists") {
			return "", fmt.Errorf("%w: branch %s", ErrWorktreeExists, branch)
		}
		return "", fmt.Errorf("git worktree add failed: %s: %w", strings.TrimSpace(out), err)
	}

	m.logger.Info("Worktree created",
		zap.String("path", target),
		zap.String("branch", branch))
	return target, nil
}

// List returns the worktree paths registered on the repository.
func (m *Manager) List(ctx context.Context, repoPath string) ([]string, error) {
	out, err := m.git(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git worktree list failed: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
