// Package workflow loads and validates declarative workflow definitions.
// The definition format is plain YAML: a name, an optional description, and
// an ordered list of steps bound to agent roles.
package workflow

import (
	"fmt"
	"os"

	"github.com/openclaw/soulflow/internal/models"
	"gopkg.in/yaml.v3"
)

// Load reads, parses and validates a workflow definition file.
func Load(path string) (*models.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}

	var wf models.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to parse workflow YAML: %w", err)
	}

	if err := Validate(&wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the definition against the fixed role enumeration and the
// per-step requirements. It fails before any run state is persisted.
func Validate(wf *models.Workflow) error {
	if wf.Name == "" {
		return fmt.Errorf("workflow must have a name")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow must have at least one step")
	}

	for i, step := range wf.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d must have a name", i)
		}
		if step.Task == "" {
			return fmt.Errorf("step %q must have a task description", step.Name)
		}
		if _, err := models.ParseRole(step.Agent); err != nil {
			return fmt.Errorf("step %q: %w", step.Name, err)
		}
		if step.Retry != nil && *step.Retry < 0 {
			return fmt.Errorf("step %q retry must be non-negative", step.Name)
		}
		if step.EscalateTo != "" {
			if _, err := models.ParseRole(step.EscalateTo); err != nil {
				return fmt.Errorf("step %q escalate_to: %w", step.Name, err)
			}
		}
		if step.VerifyWith != "" {
			if _, err := models.ParseRole(step.VerifyWith); err != nil {
				return fmt.Errorf("step %q verify_with: %w", step.Name, err)
			}
		}
	}
	return nil
}

// Info is display metadata derived from a validated workflow.
type Info struct {
	Name            string
	Description     string
	StepCount       int
	Agents          []models.AgentRole
	HasVerification bool
	HasEscalation   bool
}

// Describe summarizes a workflow for listings and run headers.
func Describe(wf *models.Workflow) Info {
	info := Info{
		Name:        wf.Name,
		Description: wf.Description,
		StepCount:   len(wf.Steps),
	}

	seen := make(map[models.AgentRole]bool)
	for _, step := range wf.Steps {
		role := models.AgentRole(step.Agent)
		if !seen[role] {
			seen[role] = true
			info.Agents = append(info.Agents, role)
		}
		if step.VerifyWith != "" {
			info.HasVerification = true
		}
		if step.EscalateTo != "" {
			info.HasEscalation = true
		}
	}
	return info
}
