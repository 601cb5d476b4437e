package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/openclaw/soulflow/internal/agent"
	"github.com/openclaw/soulflow/internal/config"
	"github.com/openclaw/soulflow/internal/gitops"
	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/orchestrator"
	"github.com/openclaw/soulflow/internal/storage"
	"github.com/openclaw/soulflow/internal/tui"
	"github.com/openclaw/soulflow/internal/verify"
	"github.com/openclaw/soulflow/internal/workflow"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "soulflow",
		Short: "Multi-agent workflow orchestrator",
		Long:  "SoulFlow executes declarative multi-step workflows across role-typed agents, with retries, escalation and verification gates.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newAgentsCommand())
	rootCmd.AddCommand(newCancelCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// open builds the orchestrator stack over the configured data directory.
// The caller owns closing the store.
func open(logger *zap.Logger) (*orchestrator.Orchestrator, *storage.Store, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	agents := agent.NewSystem(store, cfg.AgentsDir, logger)
	if err := agents.InitWorkspaces(); err != nil {
		store.Close()
		return nil, nil, err
	}

	git := gitops.New(".", logger)
	executor := &agent.StubExecutor{Delay: time.Second}
	verifier := &verify.StubVerifier{Delay: 500 * time.Millisecond}

	orch := orchestrator.New(store, agents, executor, verifier, git, logger)
	return orch, store, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	orch, store, err := open(zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()

	app := tui.NewApp(orch)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workflowPath := args[0]
			useGit, _ := cmd.Flags().GetBool("git")
			noExec, _ := cmd.Flags().GetBool("no-exec")

			wf, err := workflow.Load(workflowPath)
			if err != nil {
				return err
			}

			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer logger.Sync()

			orch, store, err := open(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			info := workflow.Describe(wf)
			fmt.Printf("Workflow: %s (%d steps)\n", info.Name, info.StepCount)
			fmt.Print("Agents:  ")
			for i, role := range info.Agents {
				if i > 0 {
					fmt.Print(", ")
				}
				fmt.Print(role)
			}
			fmt.Println()

			run, err := orch.StartRun(wf, workflowPath, useGit)
			if err != nil {
				return fmt.Errorf("failed to start run: %w", err)
			}
			fmt.Printf("Run ID:   %s\n", run.ID)

			if noExec {
				fmt.Println("Skipping execution (--no-exec)")
				return nil
			}

			if err := orch.Execute(context.Background(), run, wf); err != nil {
				return err
			}

			run, err = orch.GetRun(run.ID)
			if err != nil {
				return err
			}
			fmt.Printf("Run finished with status: %s\n", run.Status)
			return nil
		},
	}

	cmd.Flags().Bool("git", false, "Enable git integration (branch per run, commit per step)")
	cmd.Flags().Bool("no-exec", false, "Create the run and its steps but don't execute")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status and step progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, store, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := orch.Status(args[0])
			if err != nil {
				return err
			}

			run := st.Run
			fmt.Printf("Run %s: %s\n", run.ID, run.WorkflowName)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Created: %s\n", run.CreatedAt.Local().Format(time.RFC1123))
			if run.CompletedAt != nil {
				fmt.Printf("Duration: %s\n", run.CompletedAt.Sub(run.CreatedAt).Round(time.Second))
			}
			if run.GitBranch != "" {
				fmt.Printf("Git Branch: %s\n", run.GitBranch)
			}
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			fmt.Printf("\nSteps (%d/%d completed):\n", st.Progress.Completed, st.Progress.Total)
			for _, step := range st.Steps {
				attempts := ""
				if step.Attempts > 1 {
					attempts = fmt.Sprintf(" (attempt %d/%d)", step.Attempts, step.MaxAttempts)
				}
				handoff := ""
				if step.EscalatedFrom != "" {
					handoff = " ⬆"
				}
				fmt.Printf("  %s [%s] %s%s%s\n", statusIcon(string(step.Status)), step.AgentRole, step.StepName, attempts, handoff)
				if step.Status == models.StepStatusFailed && step.Error != "" {
					fmt.Printf("    Error: %s\n", step.Error)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [status]",
		Short: "List workflow runs, optionally filtered by status",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var status models.RunStatus
			if len(args) == 1 {
				status = models.RunStatus(args[0])
			}

			orch, store, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := orch.ListRuns(status, 50)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No workflow runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s %s  %s [%s]\n", statusIcon(string(run.Status)), run.ID, run.WorkflowName, run.Status)
				if run.Status == models.RunStatusFailed && run.Error != "" {
					fmt.Printf("    Error: %s\n", run.Error)
				}
			}
			return nil
		},
	}
}

func newAgentsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Show agent session activity by role",
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, store, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := orch.AgentStats()
			if err != nil {
				return err
			}

			if len(stats) == 0 {
				fmt.Println("No active agents.")
				return nil
			}

			for _, st := range stats {
				fmt.Printf("%s: %d total, %d busy, %d idle\n", st.Role, st.Total, st.Busy, st.Idle)
			}
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orch, store, err := open(zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := orch.Cancel(args[0]); err != nil {
				return err
			}
			fmt.Printf("Cancelled run %s\n", args[0])
			return nil
		},
	}
}

func statusIcon(status string) string {
	switch status {
	case "pending":
		return "·"
	case "running":
		return "●"
	case "completed":
		return "✓"
	case "failed":
		return "✗"
	case "cancelled":
		return "⊘"
	case "escalated":
		return "⬆"
	}
	return "?"
}
