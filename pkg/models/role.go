package models

// AgentRole represents the specialisation of an agent.
type AgentRole string

const (
	// RoleArchitect designs structure and makes cross-cutting decisions.
	RoleArchitect AgentRole = "architect"
	// RoleBackend implements server-side code and APIs.
	RoleBackend AgentRole = "backend"
	// RoleFrontend implements client-side code.
	RoleFrontend AgentRole = "frontend"
	// RoleSecurity reviews and hardens security-sensitive work.
	RoleSecurity AgentRole = "security"
	// RoleDataScientist handles models, datasets and data pipelines.
	RoleDataScientist AgentRole = "data_scientist"
	// RoleDevOps handles build, deploy and infrastructure.
	RoleDevOps AgentRole = "devops"
	// RoleDebugger diagnoses failures.
	RoleDebugger AgentRole = "debugger"
	// RoleProductAnalyst clarifies requirements.
	RoleProductAnalyst AgentRole = "product_analyst"
	// RoleQA writes and runs tests.
	RoleQA AgentRole = "qa"
	// RoleGeneralist is the fallback for anything without a specialist.
	RoleGeneralist AgentRole = "generalist"
)

// AllRoles lists every known role in a stable order.
var AllRoles = []AgentRole{
	RoleArchitect, RoleBackend, RoleFrontend, RoleSecurity, RoleDataScientist,
	RoleDevOps, RoleDebugger, RoleProductAnalyst, RoleQA, RoleGeneralist,
}

// Valid returns true if the role is a known value.
func (r AgentRole) Valid() bool {
	for _, known := range AllRoles {
		if r == known {
			return true
		}
	}
	return false
}
