package models

import "github.com/google/uuid"

// Identifiers are prefixed UUIDs so a bare id string is self-describing in
// logs and CLI output.

func NewRunID() string {
	return "run-" + uuid.NewString()
}

func NewStepID() string {
	return "step-" + uuid.NewString()
}

func NewSessionID() string {
	return "agent-" + uuid.NewString()
}

func NewVerificationID() string {
	return "verify-" + uuid.NewString()
}
