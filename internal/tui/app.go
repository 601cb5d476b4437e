package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/openclaw/soulflow/internal/models"
	"github.com/openclaw/soulflow/internal/orchestrator"
)

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
)

// App is a read-mostly monitor over the store: a run list that polls while
// anything is active, and a per-run step detail view. The only mutation it
// can issue is cancellation.
type App struct {
	orch *orchestrator.Orchestrator

	view        View
	runs        []*models.Run
	selectedIdx int
	status      *orchestrator.RunStatus
	latestGates map[string]*models.Verification

	spin   spinner.Model
	width  int
	height int
	err    error
}

func NewApp(orch *orchestrator.Orchestrator) *App {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = statusRunning
	return &App{
		orch: orch,
		view: ViewRunList,
		spin: sp,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd(), a.spin.Tick)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.IsTerminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.runs) - 1
		}
		return a, nil

	case tickMsg:
		switch a.view {
		case ViewRunList:
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case ViewRunDetail:
			if a.status != nil {
				return a, tea.Batch(a.loadDetail(a.status.Run.ID), a.tickCmd())
			}
		}
		return a, a.tickCmd()

	case detailLoadedMsg:
		a.status = msg.status
		a.latestGates = msg.gates
		a.err = msg.err
		if a.err == nil {
			a.view = ViewRunDetail
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		return a, a.loadRuns
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.loadDetail(a.runs[a.selectedIdx].ID)
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if len(a.runs) > 0 && a.selectedIdx < len(a.runs) {
			return a, a.cancelRun(a.runs[a.selectedIdx].ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.status = nil
		a.latestGates = nil
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.status != nil {
			return a, a.cancelRun(a.status.Run.ID)
		}
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusCompleted = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusEscalated = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("SoulFlow") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with: soulflow run <workflow.yaml>\n"
	} else {
		s += "Workflow Runs\n"
		s += "─────────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status.IsTerminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] steps  [x] cancel  [r] refresh  [q] quit")
	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	return fmt.Sprintf("%-12s %-20s %s  %-6s",
		shortID(run.ID), truncate(run.WorkflowName, 20),
		a.formatRunStatus(run.Status), formatAge(run.CreatedAt))
}

func (a *App) formatRunStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render(a.spin.View() + " running")
	case models.RunStatusCompleted:
		return statusCompleted.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusCancelled:
		return statusCancelled.Render("⊘ cancelled")
	case models.RunStatusPending:
		return statusPending.Render("· pending")
	}
	return string(status)
}

func (a *App) viewRunDetail() string {
	if a.status == nil {
		return "No run selected"
	}

	run := a.status.Run
	s := titleStyle.Render("Run "+shortID(run.ID)) + "  " + a.formatRunStatus(run.Status) + "\n\n"
	s += labelStyle.Render("Workflow: ") + run.WorkflowName + "\n"
	if run.GitBranch != "" {
		s += labelStyle.Render("Branch:   ") + dimStyle.Render(run.GitBranch) + "\n"
	}
	if run.Error != "" {
		s += labelStyle.Render("Error:    ") + statusFailed.Render(run.Error) + "\n"
	}

	p := a.status.Progress
	s += fmt.Sprintf("\nSteps (%d/%d completed)\n", p.Completed, p.Total)
	s += "──────────────────────\n"

	for _, step := range a.status.Steps {
		s += a.formatStepLine(step) + "\n"
	}

	s += "\n" + helpStyle.Render("[x] cancel  [esc] back  [q] quit")
	return s
}

func (a *App) formatStepLine(step *models.Step) string {
	icon := statusPending.Render("·")
	switch step.Status {
	case models.StepStatusCompleted:
		icon = statusCompleted.Render("✓")
	case models.StepStatusRunning:
		icon = statusRunning.Render(a.spin.View())
	case models.StepStatusFailed:
		icon = statusFailed.Render("✗")
	case models.StepStatusEscalated:
		icon = statusEscalated.Render("⬆")
	}

	line := fmt.Sprintf("%s [%s] %s", icon, step.AgentRole, step.StepName)
	if step.EscalatedFrom != "" {
		line += dimStyle.Render("  (escalation hand-off)")
	}
	if step.Attempts > 1 {
		line += dimStyle.Render(fmt.Sprintf("  attempt %d/%d", step.Attempts, step.MaxAttempts))
	}
	if step.StartedAt != nil && step.CompletedAt != nil {
		line += "  " + dimStyle.Render(formatDuration(step.CompletedAt.Sub(*step.StartedAt)))
	}
	if v, ok := a.latestGates[step.ID]; ok && v != nil {
		switch v.Status {
		case models.VerificationStatusPassed:
			line += "  " + statusCompleted.Render("verified")
		case models.VerificationStatusFailed:
			line += "  " + statusFailed.Render("verify failed")
		case models.VerificationStatusPending:
			line += "  " + statusRunning.Render("verifying")
		}
	}
	if step.Status == models.StepStatusFailed && step.Error != "" {
		line += "\n    " + statusFailed.Render(truncate(step.Error, 70))
	}
	return line
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type detailLoadedMsg struct {
	status *orchestrator.RunStatus
	gates  map[string]*models.Verification
	err    error
}

type runCancelledMsg struct {
	runID string
	err   error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.orch.ListRuns("", 20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadDetail(runID string) tea.Cmd {
	return func() tea.Msg {
		status, err := a.orch.Status(runID)
		if err != nil {
			return detailLoadedMsg{err: err}
		}

		gates := make(map[string]*models.Verification)
		for _, step := range status.Steps {
			v, err := a.orch.LatestVerification(step.ID)
			if err != nil {
				return detailLoadedMsg{err: err}
			}
			if v != nil {
				gates[step.ID] = v
			}
		}
		return detailLoadedMsg{status: status, gates: gates}
	}
}

func (a *App) cancelRun(runID string) tea.Cmd {
	return func() tea.Msg {
		if err := a.orch.Cancel(runID); err != nil {
			return runCancelledMsg{err: err}
		}
		return runCancelledMsg{runID: runID}
	}
}

// Formatting helpers

func shortID(id string) string {
	if i := strings.Index(id, "-"); i >= 0 && len(id) > i+9 {
		return id[:i+9]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
