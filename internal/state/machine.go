// Package state holds the step transition logic: claim, complete,
// fail-with-retry-accounting and escalate. The machine knows nothing about
// step ordering; which step runs next is the coordinator's job.
package state

import (
	"errors"
	"fmt"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/storage"
)

// ErrInvalidTransition is returned when an operation is applied to a step
// whose current status does not admit it, e.g. Fail on an already-terminal
// step. Callers treat it as a rejected operation, never a double transition.
var ErrInvalidTransition = errors.New("invalid step transition")

// FailOutcome is the structured result of Fail: either the step went back to
// the claim queue or it is terminally failed.
type FailOutcome string

const (
	OutcomeRetry  FailOutcome = "retry"
	OutcomeFailed FailOutcome = "failed"
)

type Machine struct {
	store *storage.Store
}

func New(store *storage.Store) *Machine {
	return &Machine{store: store}
}

// Claim admits one session to a pending step. A false return means the step
// was not pending; the caller must not proceed with execution.
func (m *Machine) Claim(stepID, sessionID string) (bool, error) {
	claimed, err := m.store.ClaimStep(stepID, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to claim step %s: %w", stepID, err)
	}
	if claimed {
		// Reporting only; the claim itself is the step row update above.
		if err := m.store.UpdateSessionState(sessionID, models.SessionStatusBusy, stepID); err != nil {
			return false, fmt.Errorf("failed to mark session busy: %w", err)
		}
	}
	return claimed, nil
}

// Complete resolves a running step with its result payload. Completing a
// step that is not running is a caller logic error and comes back as
// ErrInvalidTransition.
func (m *Machine) Complete(stepID string, result map[string]any) error {
	ok, err := m.store.CompleteStep(stepID, result)
	if err != nil {
		return fmt.Errorf("failed to complete step %s: %w", stepID, err)
	}
	if !ok {
		return fmt.Errorf("complete step %s: %w", stepID, ErrInvalidTransition)
	}
	return m.releaseSession(stepID)
}

// Fail records a failure against a running step. While the step still has
// retry budget (attempts < max_attempts) and the failure is retryable, the
// step is reset to pending and re-enters the claim queue; otherwise it is
// terminally failed. Once attempts has reached max_attempts the outcome is
// always OutcomeFailed.
func (m *Machine) Fail(stepID, errMsg string, retryable bool) (FailOutcome, error) {
	step, err := m.store.GetStep(stepID)
	if err != nil {
		return "", err
	}
	if step.Status != models.StepStatusRunning {
		return "", fmt.Errorf("fail step %s in status %q: %w", stepID, step.Status, ErrInvalidTransition)
	}

	if retryable && step.Attempts < step.MaxAttempts {
		ok, err := m.store.RetryStep(stepID, errMsg)
		if err != nil {
			return "", fmt.Errorf("failed to reset step %s for retry: %w", stepID, err)
		}
		if !ok {
			return "", fmt.Errorf("retry step %s: %w", stepID, ErrInvalidTransition)
		}
		return OutcomeRetry, m.releaseSessionFrom(step)
	}

	ok, err := m.store.FailStepTerminal(stepID, errMsg)
	if err != nil {
		return "", fmt.Errorf("failed to fail step %s: %w", stepID, err)
	}
	if !ok {
		return "", fmt.Errorf("fail step %s: %w", stepID, ErrInvalidTransition)
	}
	return OutcomeFailed, m.releaseSessionFrom(step)
}

// Escalate hands a running step's work to a new role: the original row
// becomes escalated (terminal, kept in history) and a fresh pending step is
// created for the new role with escalated_from pointing back. Escalation is
// one hop; a step that was itself produced by escalation cannot escalate
// again.
func (m *Machine) Escalate(stepID string, newRole models.AgentRole) (*models.Step, error) {
	step, err := m.store.GetStep(stepID)
	if err != nil {
		return nil, err
	}
	if step.EscalatedFrom != "" {
		return nil, fmt.Errorf("step %s is already an escalation hand-off: %w", stepID, ErrInvalidTransition)
	}
	if step.Status != models.StepStatusRunning {
		return nil, fmt.Errorf("escalate step %s in status %q: %w", stepID, step.Status, ErrInvalidTransition)
	}

	successor, err := m.store.EscalateStep(stepID, newRole)
	if err != nil {
		return nil, fmt.Errorf("failed to escalate step %s: %w", stepID, err)
	}
	return successor, m.releaseSessionFrom(step)
}

func (m *Machine) releaseSession(stepID string) error {
	step, err := m.store.GetStep(stepID)
	if err != nil {
		return err
	}
	return m.releaseSessionFrom(step)
}

func (m *Machine) releaseSessionFrom(step *models.Step) error {
	if step.AssignedSessionID == "" {
		return nil
	}
	return m.store.UpdateSessionState(step.AssignedSessionID, models.SessionStatusIdle, "")
}
