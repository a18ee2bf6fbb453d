package registry_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coterie-dev/coterie/internal/agent/launcher"
	"github.com/coterie-dev/coterie/internal/agent/models"
	"github.com/coterie-dev/coterie/internal/agent/registry"
	"github.com/coterie-dev/coterie/internal/clock"
	"github.com/coterie-dev/coterie/internal/persona"
	"github.com/coterie-dev/coterie/internal/store/storetest"
)

type fakeLauncher struct {
	spec launcher.Spec
	err  error
}

func (f *fakeLauncher) Launch(ctx context.Context, spec launcher.Spec) (*launcher.Handle, error) {
	f.spec = spec
	if f.err != nil {
		return nil, f.err
	}
	return &launcher.Handle{PID: 4242}, nil
}

func newLaunchService(t *testing.T, fl *fakeLauncher, cfg registry.LaunchConfig) (*registry.LaunchService, *registry.Registry) {
	t.Helper()
	st, _ := storetest.NewWithBus(t)
	log := storetest.Logger(t)
	reg := registry.New(st, clock.System(), nil, log)
	personas, err := persona.Embedded()
	if err != nil {
		t.Fatalf("embedded personas: %v", err)
	}
	return registry.NewLaunchService(reg, personas, nil, fl, cfg, log), reg
}

func TestLaunchSpawnsWithContextFileAndEnv(t *testing.T) {
	fl := &fakeLauncher{}
	svc, reg := newLaunchService(t, fl, registry.LaunchConfig{
		Command:   "agent-cli",
		Args:      []string{"run"},
		ServerURL: "http://127.0.0.1:8421",
	})

	agent, err := svc.Launch(context.Background(), registry.LaunchRequest{
		PersonaID:   "builder",
		Description: "Build the dashboard",
		RepoPath:    t.TempDir(),
	})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if agent.ProcessID == nil || *agent.ProcessID != 4242 {
		t.Errorf("process id = %v, want 4242", agent.ProcessID)
	}

	if fl.spec.Command != "agent-cli" {
		t.Errorf("command = %q", fl.spec.Command)
	}
	if len(fl.spec.Args) != 2 || fl.spec.Args[0] != "run" {
		t.Fatalf("args = %v, want [run <context file>]", fl.spec.Args)
	}
	if filepath.Base(fl.spec.Args[1]) != ".coterie-context.md" {
		t.Errorf("last arg = %q, want the context file path", fl.spec.Args[1])
	}

	env := strings.Join(fl.spec.Env, "\n")
	for _, want := range []string{
		"COTERIE_AGENT_ID=" + agent.ID,
		"COTERIE_SERVER_URL=http://127.0.0.1:8421",
		"COTERIE_PERSONA_ID=builder",
	} {
		if !strings.Contains(env, want) {
			t.Errorf("env missing %q", want)
		}
	}

	got, err := reg.Get(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusStarting {
		t.Errorf("status = %v, want starting before the first heartbeat", got.Status)
	}
}

func TestLaunchAppendsYoloFlagBeforeContextFile(t *testing.T) {
	fl := &fakeLauncher{}
	svc, _ := newLaunchService(t, fl, registry.LaunchConfig{
		Command:  "agent-cli",
		YoloFlag: "--dangerously-skip-permissions",
	})

	if _, err := svc.Launch(context.Background(), registry.LaunchRequest{
		PersonaID:   "builder",
		Description: "d",
		Yolo:        true,
		RepoPath:    t.TempDir(),
	}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	if len(fl.spec.Args) != 2 || fl.spec.Args[0] != "--dangerously-skip-permissions" {
		t.Errorf("args = %v, want the yolo flag then the context file", fl.spec.Args)
	}
}

func TestLaunchRejectsYoloWithoutConfiguredFlag(t *testing.T) {
	fl := &fakeLauncher{}
	svc, reg := newLaunchService(t, fl, registry.LaunchConfig{Command: "agent-cli"})

	_, err := svc.Launch(context.Background(), registry.LaunchRequest{
		PersonaID:   "builder",
		Description: "d",
		Yolo:        true,
		RepoPath:    t.TempDir(),
	})
	if err == nil {
		t.Fatal("yolo launch without a configured flag succeeded")
	}
	if fl.spec.Command != "" {
		t.Error("child spawned despite the validation failure")
	}

	// Validation fails before registration; no half-launched row remains.
	agents, err := reg.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("agents registered = %d, want 0", len(agents))
	}
}

func TestLaunchAbortsRowOnSpawnFailure(t *testing.T) {
	fl := &fakeLauncher{err: errors.New("binary not found")}
	svc, reg := newLaunchService(t, fl, registry.LaunchConfig{Command: "agent-cli"})

	_, err := svc.Launch(context.Background(), registry.LaunchRequest{
		PersonaID:   "builder",
		Description: "d",
		RepoPath:    t.TempDir(),
	})
	if err == nil {
		t.Fatal("launch succeeded despite the spawn failure")
	}

	agents, err := reg.List(context.Background(), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("agents = %d, want the aborted row", len(agents))
	}
	if agents[0].Status != models.StatusKilled {
		t.Errorf("aborted agent status = %v, want killed", agents[0].Status)
	}
}
