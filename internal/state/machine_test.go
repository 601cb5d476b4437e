package state

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *storage.Store
	machine *Machine
	run     *models.Run
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	run, err := store.CreateRun("deploy", "deploy.yaml", false)
	require.NoError(t, err)

	return &fixture{store: store, machine: New(store), run: run}
}

func (f *fixture) step(t *testing.T, maxAttempts int) *models.Step {
	t.Helper()
	step, err := f.store.CreateStep(f.run.ID, "build", 0, models.RoleDeveloper, maxAttempts)
	require.NoError(t, err)
	return step
}

func (f *fixture) session(t *testing.T) *models.Session {
	t.Helper()
	session, err := f.store.CreateSession(models.RoleDeveloper)
	require.NoError(t, err)
	return session
}

func TestClaimMarksSessionBusy(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)
	session := f.session(t)

	claimed, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	stats, err := f.store.AgentStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Busy)

	// A lost claim reports false without error.
	other := f.session(t)
	claimed, err = f.machine.Claim(step.ID, other.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestCompleteReleasesSession(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)
	session := f.session(t)

	_, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)

	require.NoError(t, f.machine.Complete(step.ID, map[string]any{"success": true}))

	got, err := f.store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusCompleted, got.Status)

	stats, err := f.store.AgentStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Busy)
	assert.Equal(t, 1, stats[0].Idle)
}

func TestCompleteNotRunningIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)

	err := f.machine.Complete(step.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailRetriesWithinBudget(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)

	// Attempts 1 and 2 go back to the queue; attempt 3 exhausts the budget.
	for attempt := 1; attempt <= 3; attempt++ {
		session := f.session(t)
		claimed, err := f.machine.Claim(step.ID, session.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		outcome, err := f.machine.Fail(step.ID, fmt.Sprintf("attempt %d broke", attempt), true)
		require.NoError(t, err)

		if attempt < 3 {
			assert.Equal(t, OutcomeRetry, outcome)
			got, err := f.store.GetStep(step.ID)
			require.NoError(t, err)
			assert.Equal(t, models.StepStatusPending, got.Status)
			assert.Equal(t, attempt, got.Attempts)
		} else {
			assert.Equal(t, OutcomeFailed, outcome)
		}
	}

	got, err := f.store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "attempt 3 broke", got.Error)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)
	session := f.session(t)

	_, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)

	outcome, err := f.machine.Fail(step.ID, "unrecoverable", false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got, err := f.store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusFailed, got.Status)
}

func TestFailWithZeroBudgetGetsOneAttempt(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 0)
	session := f.session(t)

	claimed, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	outcome, err := f.machine.Fail(step.ID, "boom", true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome, "retry 0 means one attempt, no retry")
}

func TestFailOnTerminalStep(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)
	session := f.session(t)

	_, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)
	require.NoError(t, f.machine.Complete(step.ID, nil))

	_, err = f.machine.Fail(step.ID, "late", true)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestEscalate(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 2)
	session := f.session(t)

	_, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)

	successor, err := f.machine.Escalate(step.ID, models.RoleReviewer)
	require.NoError(t, err)
	assert.Equal(t, step.ID, successor.EscalatedFrom)
	assert.Equal(t, models.RoleReviewer, successor.AgentRole)
	assert.Equal(t, 2, successor.MaxAttempts)
	assert.Equal(t, 0, successor.Attempts)

	orig, err := f.store.GetStep(step.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StepStatusEscalated, orig.Status)

	// The escalating session goes back to idle.
	stats, err := f.store.AgentStats()
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 0, stats[0].Busy)
}

func TestEscalateIsOneHop(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)
	session := f.session(t)

	_, err := f.machine.Claim(step.ID, session.ID)
	require.NoError(t, err)

	successor, err := f.machine.Escalate(step.ID, models.RoleReviewer)
	require.NoError(t, err)

	other := f.session(t)
	claimed, err := f.machine.Claim(successor.ID, other.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.machine.Escalate(successor.ID, models.RolePlanner)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEscalateRequiresRunning(t *testing.T) {
	f := newFixture(t)
	step := f.step(t, 3)

	_, err := f.machine.Escalate(step.ID, models.RoleReviewer)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
