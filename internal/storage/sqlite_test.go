package storage

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "workflows/deploy.yaml", false)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.Empty(t, run.GitBranch)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "deploy", got.WorkflowName)
	assert.Equal(t, "workflows/deploy.yaml", got.WorkflowPath)
	assert.Nil(t, got.CompletedAt)

	ok, err := store.MarkRunRunning(run.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second start must lose: the run is no longer pending.
	ok, err = store.MarkRunRunning(run.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.FinishRun(run.ID, models.RunStatusCompleted, "")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Terminal runs never transition again.
	ok, err = store.FinishRun(run.ID, models.RunStatusFailed, "late failure")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Empty(t, got.Error)
}

func TestFinishRunRejectsNonTerminalStatus(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)

	_, err = store.FinishRun(run.ID, models.RunStatusRunning, "")
	assert.Error(t, err)
}

func TestCreateRunWithGitBranch(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("release", "release.yaml", true)
	require.NoError(t, err)
	assert.True(t, run.GitEnabled)
	assert.Equal(t, "soulflow/release/"+run.ID, run.GitBranch)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.GitBranch, got.GitBranch)
	assert.True(t, got.GitEnabled)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun("run-missing")
	assert.ErrorContains(t, err, "not found")
}

func TestCancelRun(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)

	ok, err := store.CancelRun(run.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)

	// Cancelling a terminal run must not win.
	ok, err = store.CancelRun(run.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListRunsFilter(t *testing.T) {
	store := newTestStore(t)

	a, err := store.CreateRun("one", "one.yaml", false)
	require.NoError(t, err)
	b, err := store.CreateRun("two", "two.yaml", false)
	require.NoError(t, err)
	_, err = store.CancelRun(b.ID)
	require.NoError(t, err)

	all, err := store.ListRuns("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending, err := store.ListRuns(models.RunStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	limited, err := store.ListRuns("", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestClaimStepIsExclusive(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 3)
	require.NoError(t, err)

	ok, err := store.ClaimStep(step.ID, "agent-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ClaimStep(step.ID, "agent-2")
	require.NoError(t, err)
	assert.False(t, ok, "a running step must not be claimable")

	got, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusRunning, got.Status)
	assert.Equal(t, "agent-1", got.AssignedSessionID)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)
}

func TestClaimStepConcurrent(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 3)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(session string) {
			defer wg.Done()
			ok, err := store.ClaimStep(step.ID, session)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				wins <- session
			}
		}(models.NewSessionID())
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1, "exactly one claim must win")

	got, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], got.AssignedSessionID)
	assert.Equal(t, 1, got.Attempts)
}

func TestRetryStepPreservesAttemptsAndStartedAt(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 3)
	require.NoError(t, err)

	ok, err := store.ClaimStep(step.ID, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)

	first, err := store.GetStep(step.ID)
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)

	ok, err = store.RetryStep(step.ID, "compiler error")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusPending, got.Status)
	assert.Empty(t, got.AssignedSessionID)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "compiler error", got.Error)

	ok, err = store.ClaimStep(step.ID, "agent-2")
	require.NoError(t, err)
	require.True(t, ok)

	got, err = store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, first.StartedAt.Unix(), got.StartedAt.Unix(), "started_at is set once, by the first claim")
}

func TestCompleteStepRequiresRunning(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 3)
	require.NoError(t, err)

	ok, err := store.CompleteStep(step.ID, map[string]any{"success": true})
	require.NoError(t, err)
	assert.False(t, ok, "pending step must not complete")

	_, err = store.ClaimStep(step.ID, "agent-1")
	require.NoError(t, err)

	ok, err = store.CompleteStep(step.ID, map[string]any{"success": true, "output": "ok"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, true, got.Result["success"])
	assert.Equal(t, "ok", got.Result["output"])

	// Completion is one-shot.
	ok, err = store.CompleteStep(step.ID, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailStepTerminal(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 1)
	require.NoError(t, err)

	_, err = store.ClaimStep(step.ID, "agent-1")
	require.NoError(t, err)

	ok, err := store.FailStepTerminal(step.ID, "out of budget")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, got.Status)
	assert.Equal(t, "out of budget", got.Error)
	assert.NotNil(t, got.CompletedAt)

	// Terminal steps reject further claims and failures.
	ok, err = store.ClaimStep(step.ID, "agent-2")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.FailStepTerminal(step.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEscalateStep(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 2, models.RoleDeveloper, 3)
	require.NoError(t, err)

	// Only a running step can escalate.
	_, err = store.EscalateStep(step.ID, models.RoleReviewer)
	assert.ErrorContains(t, err, "not running")

	_, err = store.ClaimStep(step.ID, "agent-1")
	require.NoError(t, err)

	successor, err := store.EscalateStep(step.ID, models.RoleReviewer)
	require.NoError(t, err)
	assert.Equal(t, step.ID, successor.EscalatedFrom)
	assert.Equal(t, run.ID, successor.RunID)
	assert.Equal(t, "build", successor.StepName)
	assert.Equal(t, 2, successor.StepIndex)
	assert.Equal(t, models.RoleReviewer, successor.AgentRole)
	assert.Equal(t, models.StepStatusPending, successor.Status)
	assert.Equal(t, 3, successor.MaxAttempts)

	orig, err := store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusEscalated, orig.Status)

	fresh, err := store.GetStep(successor.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Attempts, "successor starts with a fresh attempts counter")

	steps, err := store.GetRunSteps(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, step.ID, steps[0].ID, "successor sorts after the step it replaced")
	assert.Equal(t, successor.ID, steps[1].ID)
}

func TestGetRunStepsOrder(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	for i, name := range []string{"plan", "build", "review"} {
		_, err := store.CreateStep(run.ID, name, i, models.RoleDeveloper, 3)
		require.NoError(t, err)
	}

	steps, err := store.GetRunSteps(run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "plan", steps[0].StepName)
	assert.Equal(t, "build", steps[1].StepName)
	assert.Equal(t, "review", steps[2].StepName)
}

func TestSessionsAndAgentStats(t *testing.T) {
	store := newTestStore(t)

	dev, err := store.CreateSession(models.RoleDeveloper)
	require.NoError(t, err)
	_, err = store.CreateSession(models.RoleDeveloper)
	require.NoError(t, err)
	_, err = store.CreateSession(models.RoleTester)
	require.NoError(t, err)

	require.NoError(t, store.UpdateSessionState(dev.ID, models.SessionStatusBusy, "step-1"))
	require.NoError(t, store.TouchSession(dev.ID))

	stats, err := store.AgentStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)

	byRole := make(map[models.AgentRole]models.AgentStat)
	for _, st := range stats {
		byRole[st.Role] = st
	}
	assert.Equal(t, 2, byRole[models.RoleDeveloper].Total)
	assert.Equal(t, 1, byRole[models.RoleDeveloper].Busy)
	assert.Equal(t, 1, byRole[models.RoleDeveloper].Idle)
	assert.Equal(t, 1, byRole[models.RoleTester].Total)
	assert.Equal(t, 0, byRole[models.RoleTester].Busy)
}

func TestVerificationHistory(t *testing.T) {
	store := newTestStore(t)

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)
	step, err := store.CreateStep(run.ID, "build", 0, models.RoleDeveloper, 3)
	require.NoError(t, err)

	none, err := store.LatestVerification(step.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := store.CreateVerification(step.ID, models.RoleVerifier)
	require.NoError(t, err)
	ok, err := store.ResolveVerification(first.ID, false, map[string]any{"reason": "tests missing"})
	require.NoError(t, err)
	assert.True(t, ok)

	// Resolution is one-shot.
	ok, err = store.ResolveVerification(first.ID, true, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := store.CreateVerification(step.ID, models.RoleVerifier)
	require.NoError(t, err)
	ok, err = store.ResolveVerification(second.ID, true, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := store.LatestVerification(step.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, second.ID, latest.ID)
	assert.Equal(t, models.VerificationStatusPassed, latest.Status)

	history, err := store.StepVerifications(step.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, models.VerificationStatusFailed, history[0].Status)
	assert.Equal(t, "tests missing", history[0].Result["reason"])
	assert.NotNil(t, history[0].CompletedAt)
}
