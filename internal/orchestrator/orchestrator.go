// Package orchestrator drives a run's steps in order through the step state
// machine, applying the retry budget, the verification gate and escalation
// hand-off, and deriving the run's terminal status from its steps.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/openclaw/soulflow/internal/agent"
	"github.com/openclaw/soulflow/internal/gitops"
	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/state"
	"github.com/openclaw/soulflow/internal/storage"
	"github.com/openclaw/soulflow/internal/verify"
	"go.uber.org/zap"
)

type Orchestrator struct {
	store    *storage.Store
	machine  *state.Machine
	gate     *verify.Gate
	agents   *agent.System
	executor agent.Executor
	verifier verify.Verifier
	git      *gitops.Integration
	logger   *zap.Logger

	// retryBackoff is the constant delay between claim attempts of the same
	// step. No growth.
	retryBackoff time.Duration
}

func New(store *storage.Store, agents *agent.System, executor agent.Executor, verifier verify.Verifier, git *gitops.Integration, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		machine:      state.New(store),
		gate:         verify.NewGate(store),
		agents:       agents,
		executor:     executor,
		verifier:     verifier,
		git:          git,
		logger:       logger,
		retryBackoff: time.Second,
	}
}

// SetRetryBackoff overrides the fixed delay between retry attempts.
func (o *Orchestrator) SetRetryBackoff(d time.Duration) {
	o.retryBackoff = d
}

// StartRun creates the run record and one pending step per workflow step, in
// declared order. Nothing executes yet.
func (o *Orchestrator) StartRun(wf *models.Workflow, workflowPath string, useGit bool) (*models.Run, error) {
	run, err := o.store.CreateRun(wf.Name, workflowPath, useGit)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if useGit && o.git != nil {
		if err := o.git.Enable(run.GitBranch); err != nil {
			// Side effects only; the run proceeds without git.
			o.logger.Warn("git integration failed, continuing without it", zap.Error(err))
		}
	}

	for i, step := range wf.Steps {
		role := models.AgentRole(step.Agent)
		if _, err := o.store.CreateStep(run.ID, step.Name, i, role, step.MaxAttempts()); err != nil {
			return nil, fmt.Errorf("failed to create step %q: %w", step.Name, err)
		}
	}

	o.logger.Info("run created",
		zap.String("run", run.ID),
		zap.String("workflow", wf.Name),
		zap.Int("steps", len(wf.Steps)))
	return run, nil
}

// Execute drives a pending run to a terminal status. It returns an error
// when the run fails or when the store rejects a transition it should have
// accepted; a cancelled run returns nil.
func (o *Orchestrator) Execute(ctx context.Context, run *models.Run, wf *models.Workflow) error {
	ok, err := o.store.MarkRunRunning(run.ID)
	if err != nil {
		return fmt.Errorf("failed to start run %s: %w", run.ID, err)
	}
	if !ok {
		current, err := o.store.GetRun(run.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("run %s is %s, expected pending", run.ID, current.Status)
	}

	steps, err := o.store.GetRunSteps(run.ID)
	if err != nil {
		return err
	}

	for i, step := range steps {
		// Cancellation is observed at step boundaries only.
		current, err := o.store.GetRun(run.ID)
		if err != nil {
			return err
		}
		if current.Status == models.RunStatusCancelled {
			o.logger.Info("run cancelled, stopping before next step",
				zap.String("run", run.ID),
				zap.String("step", step.StepName))
			return nil
		}

		wfStep := wf.Steps[step.StepIndex]
		o.logger.Info("starting step",
			zap.String("run", run.ID),
			zap.Int("index", i+1),
			zap.Int("total", len(steps)),
			zap.String("step", step.StepName),
			zap.String("role", string(step.AgentRole)))

		res, err := o.runStepChain(ctx, run, wf, wfStep, step)
		if err != nil {
			return err
		}

		if res.status != models.StepStatusCompleted {
			msg := fmt.Sprintf("step %q failed: %s", step.StepName, res.errMsg)
			if _, err := o.store.FinishRun(run.ID, models.RunStatusFailed, msg); err != nil {
				return err
			}
			o.logger.Error("run failed",
				zap.String("run", run.ID),
				zap.String("step", step.StepName),
				zap.String("error", res.errMsg))
			return fmt.Errorf("run %s failed: %s", run.ID, msg)
		}
	}

	if _, err := o.store.FinishRun(run.ID, models.RunStatusCompleted, ""); err != nil {
		return err
	}
	o.logger.Info("run completed", zap.String("run", run.ID))
	return nil
}

// Cancel resolves a pending or running run to cancelled. A run already in a
// terminal status rejects cancellation as an error, not a no-op.
func (o *Orchestrator) Cancel(runID string) error {
	ok, err := o.store.CancelRun(runID)
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	if !ok {
		run, err := o.store.GetRun(runID)
		if err != nil {
			return err
		}
		return fmt.Errorf("cannot cancel %s run %s", run.Status, runID)
	}
	o.logger.Info("run cancelled", zap.String("run", runID))
	return nil
}

// stepResolution is the structured outcome of one workflow step, escalation
// chain included. The coordinator never sees raw execution errors; those are
// captured into the step row before this is built.
type stepResolution struct {
	status    models.StepStatus
	errMsg    string
	successor *models.Step
}

// runStepChain resolves one workflow-declared step: the original step row
// and, when execution escalates, the successor row it hands off to. The
// successor gets its own full retry budget through the same loop, and never
// escalates again.
func (o *Orchestrator) runStepChain(ctx context.Context, run *models.Run, wf *models.Workflow, wfStep *models.WorkflowStep, step *models.Step) (stepResolution, error) {
	res, err := o.runStepAttempts(ctx, run, wf, wfStep, step, true)
	if err != nil {
		return stepResolution{}, err
	}

	if res.status == models.StepStatusEscalated {
		o.logger.Info("step escalated",
			zap.String("run", run.ID),
			zap.String("step", step.StepName),
			zap.String("from", string(step.AgentRole)),
			zap.String("to", string(res.successor.AgentRole)))
		return o.runStepAttempts(ctx, run, wf, wfStep, res.successor, false)
	}
	return res, nil
}

// runStepAttempts is the claim/execute/verify loop for a single step row,
// bounded by the step's own attempts counter against its max_attempts.
func (o *Orchestrator) runStepAttempts(ctx context.Context, run *models.Run, wf *models.Workflow, wfStep *models.WorkflowStep, step *models.Step, allowEscalate bool) (stepResolution, error) {
	for {
		session, err := o.agents.Register(step.AgentRole)
		if err != nil {
			return stepResolution{}, err
		}

		claimed, err := o.machine.Claim(step.ID, session.ID)
		if err != nil {
			return stepResolution{}, err
		}
		if !claimed {
			// Another actor resolved this step; adopt whatever it became
			// rather than surfacing contention.
			current, err := o.store.GetStep(step.ID)
			if err != nil {
				return stepResolution{}, err
			}
			o.logger.Warn("step not claimable, adopting its current status",
				zap.String("step", step.ID),
				zap.String("status", string(current.Status)))
			return stepResolution{status: current.Status, errMsg: current.Error}, nil
		}

		task := agent.Task{
			RunID:        run.ID,
			WorkflowName: wf.Name,
			StepName:     step.StepName,
			Description:  wfStep.Task,
			Role:         step.AgentRole,
			Workspace:    o.agents.Workspace(step.AgentRole),
		}

		result, execErr := o.executor.Execute(ctx, task)
		if execErr != nil {
			if allowEscalate && wfStep.EscalateTo != "" {
				successor, err := o.machine.Escalate(step.ID, models.AgentRole(wfStep.EscalateTo))
				if err != nil {
					return stepResolution{}, err
				}
				return stepResolution{status: models.StepStatusEscalated, errMsg: execErr.Error(), successor: successor}, nil
			}

			outcome, err := o.machine.Fail(step.ID, execErr.Error(), true)
			if err != nil {
				return stepResolution{}, err
			}
			if outcome == state.OutcomeRetry {
				o.logger.Warn("step attempt failed, retrying",
					zap.String("step", step.StepName),
					zap.String("error", execErr.Error()))
				if err := o.wait(ctx); err != nil {
					return stepResolution{}, err
				}
				continue
			}
			return stepResolution{status: models.StepStatusFailed, errMsg: execErr.Error()}, nil
		}

		if err := o.agents.Heartbeat(session.ID); err != nil {
			return stepResolution{}, err
		}

		if wfStep.VerifyWith != "" {
			passed, reason, err := o.verifyStep(ctx, run, wfStep, step, result)
			if err != nil {
				return stepResolution{}, err
			}
			if !passed {
				msg := fmt.Sprintf("verification failed: %s", reason)
				outcome, err := o.machine.Fail(step.ID, msg, true)
				if err != nil {
					return stepResolution{}, err
				}
				if outcome == state.OutcomeRetry {
					o.logger.Warn("verification failed, retrying step",
						zap.String("step", step.StepName),
						zap.String("reason", reason))
					if err := o.wait(ctx); err != nil {
						return stepResolution{}, err
					}
					continue
				}
				return stepResolution{status: models.StepStatusFailed, errMsg: msg}, nil
			}
		}

		if err := o.machine.Complete(step.ID, result); err != nil {
			return stepResolution{}, err
		}
		if o.git != nil {
			o.git.CommitStep(step.StepName)
		}
		o.logger.Info("step completed", zap.String("step", step.StepName))
		return stepResolution{status: models.StepStatusCompleted}, nil
	}
}

// verifyStep opens a verification row, consults the verification
// collaborator and resolves the row exactly once. A collaborator error
// counts as a failed verification, not a distinct error class.
func (o *Orchestrator) verifyStep(ctx context.Context, run *models.Run, wfStep *models.WorkflowStep, step *models.Step, result map[string]any) (bool, string, error) {
	role := models.AgentRole(wfStep.VerifyWith)
	v, err := o.gate.Open(step.ID, role)
	if err != nil {
		return false, "", err
	}

	passed, detail, verr := o.verifier.Verify(ctx, role, verify.Request{
		RunID:    run.ID,
		StepName: step.StepName,
		Task:     wfStep.Task,
		Result:   result,
		Criteria: wfStep.VerifyCriteria,
	})
	if verr != nil {
		if err := o.gate.Resolve(v.ID, false, map[string]any{"error": verr.Error()}); err != nil {
			return false, "", err
		}
		return false, verr.Error(), nil
	}

	if err := o.gate.Resolve(v.ID, passed, detail); err != nil {
		return false, "", err
	}
	if passed {
		return true, "", nil
	}

	reason := "requirements not met"
	if detail != nil {
		if r, ok := detail["reason"].(string); ok && r != "" {
			reason = r
		}
	}
	return false, reason, nil
}

func (o *Orchestrator) wait(ctx context.Context) error {
	if o.retryBackoff <= 0 {
		return nil
	}
	select {
	case <-time.After(o.retryBackoff):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Read surface for the CLI and TUI.

// Progress summarizes step statuses for one run.
type Progress struct {
	Total     int
	Completed int
	Running   int
	Pending   int
	Failed    int
	Escalated int
}

// RunStatus bundles a run with its steps and a progress summary.
type RunStatus struct {
	Run      *models.Run
	Steps    []*models.Step
	Progress Progress
}

func (o *Orchestrator) GetRun(id string) (*models.Run, error) {
	return o.store.GetRun(id)
}

func (o *Orchestrator) ListRuns(status models.RunStatus, limit int) ([]*models.Run, error) {
	return o.store.ListRuns(status, limit)
}

func (o *Orchestrator) GetRunSteps(runID string) ([]*models.Step, error) {
	return o.store.GetRunSteps(runID)
}

func (o *Orchestrator) LatestVerification(stepID string) (*models.Verification, error) {
	return o.gate.Latest(stepID)
}

func (o *Orchestrator) AgentStats() ([]models.AgentStat, error) {
	return o.agents.Stats()
}

// Status returns a run with its steps and progress counts.
func (o *Orchestrator) Status(runID string) (*RunStatus, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	steps, err := o.store.GetRunSteps(runID)
	if err != nil {
		return nil, err
	}

	st := &RunStatus{Run: run, Steps: steps}
	st.Progress.Total = len(steps)
	for _, step := range steps {
		switch step.Status {
		case models.StepStatusCompleted:
			st.Progress.Completed++
		case models.StepStatusRunning:
			st.Progress.Running++
		case models.StepStatusPending:
			st.Progress.Pending++
		case models.StepStatusFailed:
			st.Progress.Failed++
		case models.StepStatusEscalated:
			st.Progress.Escalated++
		}
	}
	return st, nil
}
