package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openclaw/soulflow/internal/models"
	_ "modernc.org/sqlite"
)

// staleSessionWindow is how long a session stays visible in activity
// reporting after its last heartbeat. Sessions are never deleted; they are
// aged out of AgentStats by this filter alone.
const staleSessionWindow = 5 * time.Minute

// Store is the single source of truth for runs, steps, agent sessions and
// verification gates. Every state-changing write is a single conditional
// statement keyed on the row's current status, so rows-affected == 0 is the
// contention signal and no transition can happen twice.
type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// sqlite allows one writer; a single connection serializes callers
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow_name TEXT NOT NULL,
		workflow_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		error TEXT,
		git_enabled INTEGER NOT NULL DEFAULT 0,
		git_branch TEXT
	);

	CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		step_name TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		agent_role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		assigned_session_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		created_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT,
		error TEXT,
		escalated_from TEXT
	);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		id TEXT PRIMARY KEY,
		agent_role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'idle',
		current_step_id TEXT,
		last_heartbeat TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		step_id TEXT NOT NULL REFERENCES steps(id),
		verifier_role TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_index);
	CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status, run_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON agent_sessions(last_heartbeat);
	CREATE INDEX IF NOT EXISTS idx_verifications_step ON verifications(step_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Run operations

func (s *Store) CreateRun(workflowName, workflowPath string, useGit bool) (*models.Run, error) {
	now := time.Now().UTC()
	run := &models.Run{
		ID:           models.NewRunID(),
		WorkflowName: workflowName,
		WorkflowPath: workflowPath,
		Status:       models.RunStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		GitEnabled:   useGit,
	}
	if useGit {
		run.GitBranch = fmt.Sprintf("soulflow/%s/%s", workflowName, run.ID)
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, workflow_name, workflow_path, status, created_at, updated_at, git_enabled, git_branch)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.WorkflowPath, run.Status,
		run.CreatedAt, run.UpdatedAt, boolToInt(run.GitEnabled), nullString(run.GitBranch),
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *Store) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, workflow_name, workflow_path, status, created_at, updated_at, completed_at, error, git_enabled, git_branch
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, err
}

func (s *Store) ListRuns(status models.RunStatus, limit int) ([]*models.Run, error) {
	query := `SELECT id, workflow_name, workflow_path, status, created_at, updated_at, completed_at, error, git_enabled, git_branch
		 FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// MarkRunRunning transitions a run pending -> running. Returns false when the
// run is not pending.
func (s *Store) MarkRunRunning(id string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.RunStatusRunning, time.Now().UTC(), id, models.RunStatusPending,
	)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// FinishRun resolves a run to a terminal status and stamps completed_at.
// Only a non-terminal run can be finished; at most one terminal transition
// can ever win.
func (s *Store) FinishRun(id string, status models.RunStatus, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finish requires a terminal status, got %q", status)
	}
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, updated_at = ?, completed_at = ?, error = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, now, now, nullString(errMsg),
		id, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// CancelRun is FinishRun specialized for operator cancellation.
func (s *Store) CancelRun(id string) (bool, error) {
	return s.FinishRun(id, models.RunStatusCancelled, "")
}

// Step operations

func (s *Store) CreateStep(runID, stepName string, stepIndex int, role models.AgentRole, maxAttempts int) (*models.Step, error) {
	step := &models.Step{
		ID:          models.NewStepID(),
		RunID:       runID,
		StepName:    stepName,
		StepIndex:   stepIndex,
		AgentRole:   role,
		Status:      models.StepStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO steps (id, run_id, step_name, step_index, agent_role, status, created_at, max_attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepName, step.StepIndex, step.AgentRole,
		step.Status, step.CreatedAt, step.MaxAttempts,
	)
	if err != nil {
		return nil, err
	}
	return step, nil
}

func (s *Store) GetStep(id string) (*models.Step, error) {
	row := s.db.QueryRow(selectStep+` WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("step %s not found", id)
	}
	return step, err
}

// GetRunSteps returns every step row of a run, escalation successors
// included, ordered by workflow position and then by creation time so a
// successor sorts after the step it replaced.
func (s *Store) GetRunSteps(runID string) ([]*models.Step, error) {
	rows, err := s.db.Query(selectStep+` WHERE run_id = ? ORDER BY step_index, created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// ClaimStep transitions a step pending -> running for one session and counts
// the attempt. The status condition is the sole admission control keeping two
// workers off the same step; started_at is only set by the first claim.
func (s *Store) ClaimStep(stepID, sessionID string) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE steps
		 SET status = ?, assigned_session_id = ?, started_at = COALESCE(started_at, ?), attempts = attempts + 1
		 WHERE id = ? AND status = ?`,
		models.StepStatusRunning, sessionID, now, stepID, models.StepStatusPending,
	)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// CompleteStep transitions a step running -> completed and stores the result
// payload.
func (s *Store) CompleteStep(stepID string, result map[string]any) (bool, error) {
	payload, err := marshalPayload(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(
		`UPDATE steps SET status = ?, completed_at = ?, result = ? WHERE id = ? AND status = ?`,
		models.StepStatusCompleted, time.Now().UTC(), payload, stepID, models.StepStatusRunning,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// RetryStep puts a running step back in the claim queue, recording the error
// that sent it there. Attempts stays as counted by the claim.
func (s *Store) RetryStep(stepID, errMsg string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE steps SET status = ?, assigned_session_id = NULL, error = ? WHERE id = ? AND status = ?`,
		models.StepStatusPending, errMsg, stepID, models.StepStatusRunning,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// FailStepTerminal transitions a running step to its terminal failed status.
func (s *Store) FailStepTerminal(stepID, errMsg string) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE steps SET status = ?, completed_at = ?, error = ? WHERE id = ? AND status = ?`,
		models.StepStatusFailed, time.Now().UTC(), errMsg, stepID, models.StepStatusRunning,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// EscalateStep creates the successor step for a new role and marks the
// original escalated, atomically. The successor inherits name, index and
// retry budget but starts with a fresh attempts counter.
func (s *Store) EscalateStep(stepID string, newRole models.AgentRole) (*models.Step, error) {
	orig, err := s.GetStep(stepID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE steps SET status = ? WHERE id = ? AND status = ?`,
		models.StepStatusEscalated, stepID, models.StepStatusRunning,
	)
	if err != nil {
		return nil, err
	}
	ok, err := changed(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("step %s is not running, cannot escalate", stepID)
	}

	successor := &models.Step{
		ID:            models.NewStepID(),
		RunID:         orig.RunID,
		StepName:      orig.StepName,
		StepIndex:     orig.StepIndex,
		AgentRole:     newRole,
		Status:        models.StepStatusPending,
		MaxAttempts:   orig.MaxAttempts,
		CreatedAt:     time.Now().UTC(),
		EscalatedFrom: orig.ID,
	}
	_, err = tx.Exec(
		`INSERT INTO steps (id, run_id, step_name, step_index, agent_role, status, created_at, max_attempts, escalated_from)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		successor.ID, successor.RunID, successor.StepName, successor.StepIndex, successor.AgentRole,
		successor.Status, successor.CreatedAt, successor.MaxAttempts, successor.EscalatedFrom,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return successor, nil
}

// Session operations

func (s *Store) CreateSession(role models.AgentRole) (*models.Session, error) {
	now := time.Now().UTC()
	session := &models.Session{
		ID:            models.NewSessionID(),
		AgentRole:     role,
		Status:        models.SessionStatusIdle,
		LastHeartbeat: now,
		CreatedAt:     now,
	}

	_, err := s.db.Exec(
		`INSERT INTO agent_sessions (id, agent_role, status, last_heartbeat, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.AgentRole, session.Status, session.LastHeartbeat, session.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSessionState records which step a session holds, for reporting. This
// is a non-owning back-reference; the step's assigned_session_id is the claim.
func (s *Store) UpdateSessionState(id string, status models.SessionStatus, stepID string) error {
	_, err := s.db.Exec(
		`UPDATE agent_sessions SET status = ?, current_step_id = ?, last_heartbeat = ? WHERE id = ?`,
		status, nullString(stepID), time.Now().UTC(), id,
	)
	return err
}

func (s *Store) TouchSession(id string) error {
	_, err := s.db.Exec(
		`UPDATE agent_sessions SET last_heartbeat = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// AgentStats aggregates per-role session counts, excluding sessions whose
// heartbeat is older than the stale window.
func (s *Store) AgentStats() ([]models.AgentStat, error) {
	cutoff := time.Now().UTC().Add(-staleSessionWindow)
	rows, err := s.db.Query(
		`SELECT agent_role,
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'busy' THEN 1 ELSE 0 END) AS busy,
			SUM(CASE WHEN status = 'idle' THEN 1 ELSE 0 END) AS idle
		 FROM agent_sessions
		 WHERE last_heartbeat > ?
		 GROUP BY agent_role
		 ORDER BY agent_role`, cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []models.AgentStat
	for rows.Next() {
		var st models.AgentStat
		if err := rows.Scan(&st.Role, &st.Total, &st.Busy, &st.Idle); err != nil {
			return nil, err
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Verification operations

func (s *Store) CreateVerification(stepID string, role models.AgentRole) (*models.Verification, error) {
	v := &models.Verification{
		ID:           models.NewVerificationID(),
		StepID:       stepID,
		VerifierRole: role,
		Status:       models.VerificationStatusPending,
		CreatedAt:    time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO verifications (id, step_id, verifier_role, status, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		v.ID, v.StepID, v.VerifierRole, v.Status, v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ResolveVerification resolves a pending verification exactly once.
func (s *Store) ResolveVerification(id string, passed bool, result map[string]any) (bool, error) {
	payload, err := marshalPayload(result)
	if err != nil {
		return false, err
	}
	status := models.VerificationStatusFailed
	if passed {
		status = models.VerificationStatusPassed
	}
	res, err := s.db.Exec(
		`UPDATE verifications SET status = ?, result = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, payload, time.Now().UTC(), id, models.VerificationStatusPending,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// LatestVerification returns the most recent verification for a step, or nil
// when the step has never been gated.
func (s *Store) LatestVerification(stepID string) (*models.Verification, error) {
	row := s.db.QueryRow(selectVerification+` WHERE step_id = ? ORDER BY created_at DESC LIMIT 1`, stepID)
	v, err := scanVerification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return v, err
}

// StepVerifications returns the full verification history for a step, oldest
// first.
func (s *Store) StepVerifications(stepID string) ([]*models.Verification, error) {
	rows, err := s.db.Query(selectVerification+` WHERE step_id = ? ORDER BY created_at`, stepID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vs []*models.Verification
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}

// Scanning helpers

const selectStep = `SELECT id, run_id, step_name, step_index, agent_role, status, assigned_session_id,
	attempts, max_attempts, created_at, started_at, completed_at, result, error, escalated_from
	FROM steps`

const selectVerification = `SELECT id, step_id, verifier_role, status, result, created_at, completed_at
	FROM verifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var errMsg, gitBranch sql.NullString
	var gitEnabled int

	err := row.Scan(
		&run.ID, &run.WorkflowName, &run.WorkflowPath, &run.Status,
		&run.CreatedAt, &run.UpdatedAt, &completedAt, &errMsg, &gitEnabled, &gitBranch,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	run.Error = errMsg.String
	run.GitEnabled = gitEnabled != 0
	run.GitBranch = gitBranch.String
	return &run, nil
}

func scanStep(row rowScanner) (*models.Step, error) {
	var step models.Step
	var sessionID, result, errMsg, escalatedFrom sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&step.ID, &step.RunID, &step.StepName, &step.StepIndex, &step.AgentRole, &step.Status,
		&sessionID, &step.Attempts, &step.MaxAttempts, &step.CreatedAt,
		&startedAt, &completedAt, &result, &errMsg, &escalatedFrom,
	)
	if err != nil {
		return nil, err
	}

	step.AssignedSessionID = sessionID.String
	if startedAt.Valid {
		step.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	if result.Valid {
		var payload map[string]any
		if err := json.Unmarshal([]byte(result.String), &payload); err == nil {
			step.Result = payload
		}
	}
	step.Error = errMsg.String
	step.EscalatedFrom = escalatedFrom.String
	return &step, nil
}

func scanVerification(row rowScanner) (*models.Verification, error) {
	var v models.Verification
	var result sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&v.ID, &v.StepID, &v.VerifierRole, &v.Status, &result, &v.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		var payload map[string]any
		if err := json.Unmarshal([]byte(result.String), &payload); err == nil {
			v.Result = payload
		}
	}
	if completedAt.Valid {
		v.CompletedAt = &completedAt.Time
	}
	return &v, nil
}

func marshalPayload(payload map[string]any) (*string, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func changed(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
