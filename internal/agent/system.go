// Package agent manages the fixed set of role-typed workers: their
// workspaces, their ephemeral sessions in the store, and the Executor
// interface through which the actual task execution happens.
package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/storage"
	"go.uber.org/zap"
)

// Task is the execution request handed to the collaborator: the step's task
// description plus workflow and role context.
type Task struct {
	RunID        string
	WorkflowName string
	StepName     string
	Description  string
	Role         models.AgentRole
	Workspace    string
}

// Executor is the external agent-execution collaborator. It returns an
// opaque result payload on success or an error the coordinator maps to
// retry, escalation or terminal failure. The core never interprets the
// payload.
type Executor interface {
	Execute(ctx context.Context, task Task) (map[string]any, error)
}

// System registers sessions and maintains the per-role workspace
// directories.
type System struct {
	store         *storage.Store
	workspaceRoot string
	logger        *zap.Logger
}

func NewSystem(store *storage.Store, workspaceRoot string, logger *zap.Logger) *System {
	return &System{
		store:         store,
		workspaceRoot: workspaceRoot,
		logger:        logger,
	}
}

// InitWorkspaces creates each role's workspace directory with its generated
// PERSONA.md. Existing persona files are left untouched.
func (s *System) InitWorkspaces() error {
	for _, role := range models.Roles() {
		dir := s.Workspace(role)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create workspace for %s: %w", role, err)
		}

		personaPath := filepath.Join(dir, "PERSONA.md")
		if _, err := os.Stat(personaPath); err == nil {
			continue
		}
		def := DefinitionFor(role)
		if err := os.WriteFile(personaPath, []byte(personaFile(def, dir)), 0644); err != nil {
			return fmt.Errorf("failed to write persona for %s: %w", role, err)
		}
	}
	return nil
}

// Workspace returns the directory a role works in.
func (s *System) Workspace(role models.AgentRole) string {
	return filepath.Join(s.workspaceRoot, string(role))
}

// Register creates a fresh session for one execution attempt. Sessions are
// not pooled across steps.
func (s *System) Register(role models.AgentRole) (*models.Session, error) {
	session, err := s.store.CreateSession(role)
	if err != nil {
		return nil, fmt.Errorf("failed to register %s session: %w", role, err)
	}
	s.logger.Debug("registered agent session",
		zap.String("session", session.ID),
		zap.String("role", string(role)))
	return session, nil
}

// Heartbeat refreshes a session's liveness for activity reporting.
func (s *System) Heartbeat(sessionID string) error {
	return s.store.TouchSession(sessionID)
}

// Stats reports per-role counts of sessions seen within the stale window.
func (s *System) Stats() ([]models.AgentStat, error) {
	return s.store.AgentStats()
}

func personaFile(def Definition, workspace string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s Agent\n\n", strings.ToUpper(string(def.Role)))
	fmt.Fprintf(&b, "## Role\n%s\n\n", def.Persona)
	b.WriteString("## Capabilities\n")
	for _, c := range def.Capabilities {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n## Responsibilities\n")
	fmt.Fprintf(&b, "- Claim and execute tasks assigned to the %s role\n", def.Role)
	b.WriteString("- Maintain workspace organization\n")
	b.WriteString("- Report progress and results\n")
	b.WriteString("- Coordinate with other agents when needed\n\n")
	fmt.Fprintf(&b, "## Workspace\n%s\n", workspace)
	return b.String()
}
