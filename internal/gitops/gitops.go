// Package gitops provides optional source-control side effects for a run:
// a branch per run and a commit after each completed step. Failures here are
// reported to the log and never propagate into run failure.
package gitops

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

type Integration struct {
	repoPath string
	branch   string
	enabled  bool
	logger   *zap.Logger
}

func New(repoPath string, logger *zap.Logger) *Integration {
	return &Integration{repoPath: repoPath, logger: logger}
}

// IsRepo reports whether the configured path is inside a git repository.
func (g *Integration) IsRepo() bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = g.repoPath
	return cmd.Run() == nil
}

// Enabled reports whether Enable succeeded for this run.
func (g *Integration) Enabled() bool {
	return g.enabled
}

// Enable creates or checks out the run's branch and turns on per-step
// commits.
func (g *Integration) Enable(branch string) error {
	if !g.IsRepo() {
		return fmt.Errorf("%s is not a git repository", g.repoPath)
	}

	if _, err := g.exec("checkout", "-b", branch); err != nil {
		// Branch may already exist from an earlier attempt.
		if _, err := g.exec("checkout", branch); err != nil {
			return fmt.Errorf("failed to create or checkout branch %s: %w", branch, err)
		}
	}

	g.enabled = true
	g.branch = branch
	g.logger.Info("git integration enabled", zap.String("branch", branch))
	return nil
}

// CommitStep stages and commits everything after a completed step. A clean
// tree is not an error; any git failure is logged and swallowed.
func (g *Integration) CommitStep(stepName string) {
	if !g.enabled {
		return
	}

	status, err := g.exec("status", "--porcelain")
	if err != nil {
		g.logger.Warn("git status failed", zap.Error(err))
		return
	}
	if strings.TrimSpace(status) == "" {
		g.logger.Debug("no changes to commit", zap.String("step", stepName))
		return
	}

	if _, err := g.exec("add", "-A"); err != nil {
		g.logger.Warn("git add failed", zap.Error(err))
		return
	}

	message := fmt.Sprintf("[soulflow] Complete step: %s", stepName)
	if _, err := g.exec("commit", "-m", message); err != nil {
		g.logger.Warn("git commit failed", zap.String("step", stepName), zap.Error(err))
		return
	}

	if hash, err := g.exec("rev-parse", "--short", "HEAD"); err == nil {
		g.logger.Info("committed step",
			zap.String("step", stepName),
			zap.String("commit", strings.TrimSpace(hash)))
	}
}

// CurrentBranch returns the checked-out branch name, or "" outside a repo.
func (g *Integration) CurrentBranch() string {
	out, err := g.exec("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

func (g *Integration) exec(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
