package policy

import "strings"

// Role classifies a caller for policy purposes. It is resolved from the
// authorization system's role strings, which are deliberately richer than
// the three classes the validator needs.
type Role string

const (
	RoleOperator   Role = "operator"
	RoleTenantUser Role = "tenant-user"
	RoleAnonymous  Role = "anonymous"
)

// IsTenantScoped reports whether statements for this role must stay inside
// the caller's own tenant database.
func (r Role) IsTenantScoped() bool {
	return r == RoleTenantUser
}

// ResolveRole maps authorization roles onto the policy classification.
// Operator-class roles win over tenant roles when both are present.
func ResolveRole(roles []string) Role {
	tenant := false
	for _, role := range roles {
		switch strings.ToLower(strings.TrimSpace(role)) {
		case "operator", "platform_admin":
			return RoleOperator
		case "":
		default:
			tenant = true
		}
	}
	if tenant {
		return RoleTenantUser
	}
	return RoleAnonymous
}
