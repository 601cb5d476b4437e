package models

import "fmt"

// AgentRole is one of the fixed worker roles a workflow step can bind to.
// The set is closed; workflow validation rejects anything else.
type AgentRole string

const (
	RolePlanner   AgentRole = "planner"
	RoleDeveloper AgentRole = "developer"
	RoleVerifier  AgentRole = "verifier"
	RoleTester    AgentRole = "tester"
	RoleReviewer  AgentRole = "reviewer"
)

// Roles returns every known role in a stable order.
func Roles() []AgentRole {
	return []AgentRole{RolePlanner, RoleDeveloper, RoleVerifier, RoleTester, RoleReviewer}
}

// ParseRole validates a role name from workflow YAML or CLI input.
func ParseRole(s string) (AgentRole, error) {
	role := AgentRole(s)
	for _, known := range Roles() {
		if role == known {
			return role, nil
		}
	}
	return "", fmt.Errorf("unknown agent role %q", s)
}
