package auth

import "strings"

// Role is the fleet console role carried in a dashboard token.
type Role string

const (
	// RoleViewer watches telemetry, alerts and command history.
	RoleViewer Role = "viewer"
	// RoleOperator also works alerts, edits rules and sends agent commands.
	RoleOperator Role = "operator"
	// RoleAdmin also manages notification channels, exports and provisioning.
	RoleAdmin Role = "admin"
)

// Permission names one action on the fleet console.
type Permission string

const (
	PermFleetRead      Permission = "fleet:read"
	PermAlertsAct      Permission = "alerts:act"
	PermRulesWrite     Permission = "rules:write"
	PermCommandsSend   Permission = "commands:send"
	PermChannelsWrite  Permission = "channels:write"
	PermExportsRead    Permission = "exports:read"
	PermProvisionWrite Permission = "provisioning:write"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer:   {PermFleetRead},
	RoleOperator: {PermFleetRead, PermAlertsAct, PermRulesWrite, PermCommandsSend},
	RoleAdmin: {
		PermFleetRead, PermAlertsAct, PermRulesWrite, PermCommandsSend,
		PermChannelsWrite, PermExportsRead, PermProvisionWrite,
	},
}

// roleAliases maps legacy dashboard role names onto fleet roles.
var roleAliases = map[string]Role{
	"readonly":  RoleViewer,
	"read-only": RoleViewer,
	"ops":       RoleOperator,
	"oncall":    RoleOperator,
}

// NormalizeRole validates and normalizes a role string.
func NormalizeRole(value string) (Role, bool) {
	v := strings.ToLower(strings.TrimSpace(value))
	if role, ok := roleAliases[v]; ok {
		return role, true
	}
	role := Role(v)
	if _, ok := rolePermissions[role]; !ok {
		return "", false
	}
	return role, true
}

// Can reports whether the role grants perm. Unknown roles grant nothing.
func (r Role) Can(perm Permission) bool {
	for _, p := range rolePermissions[r] {
		if p == perm {
			return true
		}
	}
	return false
}

