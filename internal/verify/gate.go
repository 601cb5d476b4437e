// Package verify implements the verification gate: an independent pass/fail
// check a completed step execution must clear before the step may reach its
// terminal completed status.
package verify

import (
	"context"
	"fmt"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/storage"
)

// Request carries what a verifier needs: the step's result and the
// workflow-declared criteria text, passed through unmodified.
type Request struct {
	RunID    string
	StepName string
	Task     string
	Result   map[string]any
	Criteria string
}

// Verifier is the external verification collaborator, invoked by role.
type Verifier interface {
	Verify(ctx context.Context, role models.AgentRole, req Request) (bool, map[string]any, error)
}

// Gate owns verification rows. One verification is open per step at a time
// (caller discipline); each retry opens a new row, and history is retained.
type Gate struct {
	store *storage.Store
}

func NewGate(store *storage.Store) *Gate {
	return &Gate{store: store}
}

// Open creates a pending verification for a step.
func (g *Gate) Open(stepID string, role models.AgentRole) (*models.Verification, error) {
	v, err := g.store.CreateVerification(stepID, role)
	if err != nil {
		return nil, fmt.Errorf("failed to open verification for step %s: %w", stepID, err)
	}
	return v, nil
}

// Resolve records the verifier's verdict exactly once. A resolved
// verification is never re-opened; a retry opens a new one.
func (g *Gate) Resolve(verificationID string, passed bool, result map[string]any) error {
	ok, err := g.store.ResolveVerification(verificationID, passed, result)
	if err != nil {
		return fmt.Errorf("failed to resolve verification %s: %w", verificationID, err)
	}
	if !ok {
		return fmt.Errorf("verification %s already resolved", verificationID)
	}
	return nil
}

// Latest returns the most recent verification for a step, or nil when none
// exists.
func (g *Gate) Latest(stepID string) (*models.Verification, error) {
	return g.store.LatestVerification(stepID)
}
