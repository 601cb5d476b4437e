package models

import "time"

type VerificationStatus string

const (
	VerificationStatusPending VerificationStatus = "pending"
	VerificationStatusPassed  VerificationStatus = "passed"
	VerificationStatusFailed  VerificationStatus = "failed"
)

// Verification is an independent pass/fail check attached to a completed
// step execution. Each retry opens a new row; prior rows are kept as history
// and "most recent by created_at" decides the step's gate outcome.
type Verification struct {
	ID           string
	StepID       string
	VerifierRole AgentRole
	Status       VerificationStatus
	Result       map[string]any
	CreatedAt    time.Time
	CompletedAt  *time.Time
}
