package models

import "time"

type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusEscalated StepStatus = "escalated"
)

// IsTerminal reports whether the step row can never be claimed again.
// An escalated step is terminal for its own row; the work continues in the
// successor step that carries EscalatedFrom.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusEscalated:
		return true
	}
	return false
}

// Step is one unit of work within a run, bound to a single workflow-declared
// step descriptor and a single agent role.
type Step struct {
	ID                string
	RunID             string
	StepName          string
	StepIndex         int
	AgentRole         AgentRole
	Status            StepStatus
	AssignedSessionID string
	Attempts          int
	MaxAttempts       int
	CreatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Result            map[string]any
	Error             string
	EscalatedFrom     string
}
