// Package main implements a mock agent binary for exercising the
// coordination server end to end. It registers itself (or reuses the
// identity the launcher injected), long-polls for work, pretends to do
// it, and reports results. Useful for integration testing and demos
// without spinning up a real agent CLI.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	var (
		serverURL = flag.String("server", envOr("COTERIE_SERVER_URL", "http://127.0.0.1:8421"), "coordination server base URL")
		personaID = flag.String("persona", envOr("COTERIE_PERSONA_ID", "builder"), "persona to register as")
		workDelay = flag.Duration("work-delay", 500*time.Millisecond, "simulated time per task")
		pollSecs  = flag.Int("poll-timeout", 30, "long-poll timeout in seconds")
		maxTasks  = flag.Int("max-tasks", 0, "exit after this many tasks (0 = run forever)")
	)
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	agent := &mockAgent{
		client:    &http.Client{Timeout: time.Duration(*pollSecs+30) * time.Second},
		serverURL: strings.TrimRight(*serverURL, "/"),
		personaID: *personaID,
		pollSecs:  *pollSecs,
		workDelay: *workDelay,
	}

	// The launcher injects an identity; standalone runs register one.
	agent.agentID = os.Getenv("COTERIE_AGENT_ID")
	if agent.agentID == "" {
		id, err := agent.register(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: register failed: %v\n", err)
			os.Exit(1)
		}
		agent.agentID = id
	}
	fmt.Printf("mock-agent %s online (persona=%s server=%s)\n",
		agent.agentID, agent.personaID, agent.serverURL)

	if err := agent.run(ctx, *maxTasks); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("mock-agent: done")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type mockAgent struct {
	client    *http.Client
	serverURL string
	agentID   string
	personaID string
	pollSecs  int
	workDelay time.Duration
}

// run polls for work until the context ends or maxTasks is reached.
// Synthetic "system:" envelopes mean nothing was available; the agent
// just polls again, as the message tells it to.
func (a *mockAgent) run(ctx context.Context, maxTasks int) error {
	done := 0
	for ctx.Err() == nil {
		envelope, err := a.nextTask(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "mock-agent: poll failed, retrying: %v\n", err)
			time.Sleep(2 * time.Second)
			continue
		}

		if strings.HasPrefix(envelope.TaskID, "system:") {
			continue
		}

		fmt.Printf("mock-agent: claimed %s: %s\n", envelope.TaskID, envelope.Description)
		select {
		case <-time.After(a.workDelay):
		case <-ctx.Done():
			return nil
		}

		result := fmt.Sprintf("Done: %s (simulated by mock-agent %s)",
			envelope.Description, a.agentID)
		if err := a.complete(ctx, envelope.TaskID, result); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: completion failed: %v\n", err)
			continue
		}
		fmt.Printf("mock-agent: completed %s\n", envelope.TaskID)

		done++
		if maxTasks > 0 && done >= maxTasks {
			return nil
		}
	}
	return nil
}

func (a *mockAgent) register(ctx context.Context) (string, error) {
	wd, _ := os.Getwd()
	pid := os.Getpid()
	var resp struct {
		Success      bool   `json:"success"`
		AgentID      string `json:"agent_id"`
		ErrorMessage string `json:"error_message"`
	}
	err := a.post(ctx, "/api/v1/agents", map[string]any{
		"persona_id":        a.personaID,
		"working_directory": wd,
		"model":             "mock",
		"process_id":        pid,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("server rejected registration: %s", resp.ErrorMessage)
	}
	return resp.AgentID, nil
}

type taskEnvelope struct {
	Success     bool   `json:"success"`
	TaskID      string `json:"task_id"`
	PersonaText string `json:"persona_text"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (a *mockAgent) nextTask(ctx context.Context) (*taskEnvelope, error) {
	var resp taskEnvelope
	err := a.post(ctx, "/api/v1/tasks/next", map[string]any{
		"agent_id":        a.agentID,
		"timeout_seconds": a.pollSecs,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("poll rejected: %s", resp.Message)
	}
	return &resp, nil
}

func (a *mockAgent) complete(ctx context.Context, taskID, result string) error {
	var resp struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	err := a.post(ctx, "/api/v1/tasks/"+taskID+"/complete", map[string]any{
		"result": result,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("completion rejected: %s", resp.Message)
	}
	return nil
}

func (a *mockAgent) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return json.NewDecoder(resp.Body).Decode(out)
}
