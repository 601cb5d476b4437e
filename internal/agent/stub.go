package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StubExecutor simulates agent work in standalone mode. It drops a
// context.json into the role's workspace, the hand-off point a real agent
// process would read, then reports success with the payload shape the
// coordinator stores verbatim.
type StubExecutor struct {
	Delay time.Duration
}

func (e *StubExecutor) Execute(ctx context.Context, task Task) (map[string]any, error) {
	if err := e.writeContext(task); err != nil {
		return nil, err
	}

	if e.Delay > 0 {
		select {
		case <-time.After(e.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return map[string]any{
		"success":   true,
		"agent":     string(task.Role),
		"task":      task.Description,
		"output":    fmt.Sprintf("Task completed by %s", task.Role),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (e *StubExecutor) writeContext(task Task) error {
	if task.Workspace == "" {
		return nil
	}
	if err := os.MkdirAll(task.Workspace, 0755); err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	def := DefinitionFor(task.Role)
	payload := map[string]any{
		"workflow": map[string]any{
			"name": task.WorkflowName,
		},
		"step": map[string]any{
			"name": task.StepName,
			"task": task.Description,
		},
		"agent": map[string]any{
			"role":         string(def.Role),
			"persona":      def.Persona,
			"capabilities": def.Capabilities,
			"workspace":    task.Workspace,
		},
		"run_id":    task.RunID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal agent context: %w", err)
	}
	path := filepath.Join(task.Workspace, "context.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write agent context: %w", err)
	}
	return nil
}
