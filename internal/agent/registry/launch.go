package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/coterie-dev/coterie/internal/agent/launcher"
	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/worktree"
	"github.com/coterie-dev/coterie/internal/common/logger"
	"github.com/coterie-dev/coterie/internal/persona"
)

// LaunchConfig is the process template for spawned agents. Command is
// the agent binary; Args are passed through verbatim before the context
// file path.
type LaunchConfig struct {
	Command   string
	Args      []string
	LogDir    string
	ServerURL string
	// Yolo skips the agent CLI's confirmation prompts when supported.
	YoloFlag string
}

// LaunchRequest describes one agent launch.
type LaunchRequest struct {
	PersonaID    string
	Description  string
	Model        string
	WorktreeName string
	Yolo         bool
	// RepoPath is the repository worktrees are created from; defaults
	// to the current directory.
	RepoPath string
}

// LaunchService orchestrates the full agent launch: resolve the persona,
// prepare the workspace, register the row, then spawn the child. The
// row exists before the process starts so the child can call back
// immediately.
type LaunchService struct {
	registry  *Registry
	personas  persona.Resolver
	worktrees *worktree.Manager
	launcher  launcher.Launcher
	cfg       LaunchConfig
	logger    *logger.Logger
}

// NewLaunchService creates a LaunchService. worktrees may be nil when
// worktree isolation is disabled.
func NewLaunchService(reg *Registry, personas persona.Resolver, worktrees *worktree.Manager, l launcher.Launcher, cfg LaunchConfig, log *logger.Logger) *LaunchService {
	return &LaunchService{
		registry:  reg,
		personas:  personas,
		worktrees: worktrees,
		launcher:  l,
		cfg:       cfg,
		logger:    log.WithComponent("agent-launch"),
	}
}

// Launch spawns a new agent for the persona and returns its registered
// row. A spawn failure after registration kills the row best-effort and
// surfaces a generic failure.
func (s *LaunchService) Launch(ctx context.Context, req LaunchRequest) (*models.Agent, error) {
	if req.Yolo && s.cfg.YoloFlag == "" {
		return nil, fmt.Errorf("yolo mode requested but the launcher has no yolo flag configured")
	}
	p, err := s.personas.Resolve(req.PersonaID)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.Model
	}

	repoPath := req.RepoPath
	if repoPath == "" {
		if repoPath, err = os.Getwd(); err != nil {
			return nil, err
		}
	}

	workDir := repoPath
	if req.WorktreeName != "" {
		if s.worktrees == nil {
			return nil, fmt.Errorf("worktree support is not enabled")
		}
		if workDir, err = s.worktrees.Create(ctx, repoPath, req.WorktreeName); err != nil {
			return nil, err
		}
	}

	agent, err := s.registry.Register(ctx, RegisterRequest{
		PersonaID:        req.PersonaID,
		WorkingDirectory: workDir,
		Model:            model,
		WorktreeName:     req.WorktreeName,
	})
	if err != nil {
		return nil, err
	}

	contextPath, err := s.writeContextFile(workDir, agent.ID, p, req.Description)
	if err != nil {
		s.abort(ctx, agent.ID)
		return nil, fmt.Errorf("failed to write agent context: %w", err)
	}

	args := append([]string{}, s.cfg.Args...)
	if req.Yolo {
		args = append(args, s.cfg.YoloFlag)
	}
	args = append(args, contextPath)

	logPath := ""
	if s.cfg.LogDir != "" {
		logPath = filepath.Join(s.cfg.LogDir, agent.ID+".log")
	}

	handle, err := s.launcher.Launch(ctx, launcher.Spec{
		Command: s.cfg.Command,
		Args:    args,
		Dir:     workDir,
		Env: []string{
			"COTERIE_AGENT_ID=" + agent.ID,
			"COTERIE_SERVER_URL=" + s.cfg.ServerURL,
			"COTERIE_PERSONA_ID=" + req.PersonaID,
		},
		LogPath: logPath,
	})
	if err != nil {
		s.abort(ctx, agent.ID)
		return nil, fmt.Errorf("failed to launch agent process: %w", err)
	}

	if err := s.registry.RecordProcess(ctx, agent.ID, handle.PID); err != nil {
		s.logger.Warn("Failed to record agent process id",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
	}
	pid := handle.PID
	agent.ProcessID = &pid

	s.logger.Info("Agent launched",
		zap.String("agent_id", agent.ID),
		zap.String("persona_id", req.PersonaID),
		zap.Int("pid", pid))
	return agent, nil
}

// abort kills a half-launched agent row. Best effort: the row staying in
// Starting is harmless, it just never heartbeats.
func (s *LaunchService) abort(ctx context.Context, agentID string) {
	if _, err := s.registry.Kill(ctx, agentID); err != nil {
		s.logger.Warn("Failed to clean up aborted launch",
			zap.String("agent_id", agentID),
			zap.Error(err))
	}
}

// writeContextFile drops the persona text and task instructions into the
// agent's workspace and returns the file path handed to the child.
func (s *LaunchService) writeContextFile(dir, agentID string, p *persona.Persona, description string) (string, error) {
	var b strings.Builder
	b.WriteString(p.Text)
	b.WriteString("\n\n## Assignment\n\n")
	b.WriteString(description)
	b.WriteString("\n\n## Coordination\n\n")
	fmt.Fprintf(&b, "Your agent id is `%s`. The coordination server is at %s.\n", agentID, s.cfg.ServerURL)
	b.WriteString("Heartbeat regularly, poll for tasks, and report every completion.\n")

	path := filepath.Join(dir, ".coterie-context.md")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
