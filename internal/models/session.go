package models

import "time"

type SessionStatus string

const (
	SessionStatusIdle SessionStatus = "idle"
	SessionStatusBusy SessionStatus = "busy"
)

// Session is an ephemeral claim-holder representing one worker instance of a
// role. Sessions are created fresh per execution attempt and age out of
// activity reporting once their heartbeat goes stale; they are never deleted.
type Session struct {
	ID            string
	AgentRole     AgentRole
	Status        SessionStatus
	CurrentStepID string
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// AgentStat is the per-role aggregate over non-stale sessions.
type AgentStat struct {
	Role  AgentRole
	Total int
	Busy  int
	Idle  int
}
