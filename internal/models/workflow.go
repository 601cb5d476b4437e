package models

// DefaultMaxAttempts is the retry budget used when a workflow step does not
// declare one. A declared retry of 0 is legal and disables retry entirely:
// the step gets exactly one attempt.
const DefaultMaxAttempts = 3

// Workflow is a validated, in-memory workflow definition.
type Workflow struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Steps       []*WorkflowStep `yaml:"steps"`
}

// WorkflowStep describes one declared step. Retry is a pointer so an omitted
// value can default to DefaultMaxAttempts while an explicit 0 is preserved.
type WorkflowStep struct {
	Name           string `yaml:"name"`
	Agent          string `yaml:"agent"`
	Task           string `yaml:"task"`
	Retry          *int   `yaml:"retry,omitempty"`
	EscalateTo     string `yaml:"escalate_to,omitempty"`
	VerifyWith     string `yaml:"verify_with,omitempty"`
	VerifyCriteria string `yaml:"verify_criteria,omitempty"`
}

// MaxAttempts resolves the step's retry budget.
func (s *WorkflowStep) MaxAttempts() int {
	if s.Retry == nil {
		return DefaultMaxAttempts
	}
	return *s.Retry
}
