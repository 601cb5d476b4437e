package agent

import "github.com/openclaw/soulflow/internal/models"

// Definition describes one role's persona and capabilities, used for the
// generated PERSONA.md and the context handed to executors.
type Definition struct {
	Role         models.AgentRole
	Persona      string
	Capabilities []string
}

// DefinitionFor returns the fixed definition of a role. The switch is
// exhaustive over the role enum so adding a role is a compile-visible change.
func DefinitionFor(role models.AgentRole) Definition {
	switch role {
	case models.RolePlanner:
		return Definition{
			Role:         role,
			Persona:      "Strategic planner who breaks down complex tasks into actionable steps",
			Capabilities: []string{"task_decomposition", "dependency_analysis", "resource_planning"},
		}
	case models.RoleDeveloper:
		return Definition{
			Role:         role,
			Persona:      "Skilled developer who implements solutions following best practices",
			Capabilities: []string{"coding", "debugging", "refactoring", "testing"},
		}
	case models.RoleVerifier:
		return Definition{
			Role:         role,
			Persona:      "Quality assurance specialist who verifies work meets requirements",
			Capabilities: []string{"code_review", "validation", "compliance_check"},
		}
	case models.RoleTester:
		return Definition{
			Role:         role,
			Persona:      "Testing specialist who ensures functionality and reliability",
			Capabilities: []string{"unit_testing", "integration_testing", "edge_case_testing"},
		}
	case models.RoleReviewer:
		return Definition{
			Role:         role,
			Persona:      "Senior reviewer who provides final approval and recommendations",
			Capabilities: []string{"final_review", "documentation_review", "architecture_review"},
		}
	}
	return Definition{Role: role, Persona: "Unknown role"}
}
