package auth

import (
	"net/http"
	"strings"
)

// Policy maps console requests to the permission they need.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredPermission resolves the permission a request needs. Paths outside
// /api and the dashboard stream need none.
func (p Policy) RequiredPermission(r *http.Request) (Permission, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	method := r.Method
	read := method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions

	switch {
	case strings.HasPrefix(path, "/api/v1/exports/"):
		return PermExportsRead, true
	case path == "/api/v1/provisioning":
		return PermProvisionWrite, true
	case strings.HasPrefix(path, "/api/v1/notification-channels"):
		if read {
			return PermFleetRead, true
		}
		return PermChannelsWrite, true
	case strings.HasPrefix(path, "/api/v1/alert-rules"):
		if read {
			return PermFleetRead, true
		}
		return PermRulesWrite, true
	case strings.HasPrefix(path, "/api/v1/alerts/") && method == http.MethodPost:
		return PermAlertsAct, true
	case strings.HasPrefix(path, "/api/v1/instances/") && strings.HasSuffix(path, "/commands"):
		if method == http.MethodPost {
			return PermCommandsSend, true
		}
		return PermFleetRead, true
	case path == "/api/v1/stream", path == "/ws/client":
		return PermFleetRead, true
	}

	if strings.HasPrefix(path, "/api/") {
		if read {
			return PermFleetRead, true
		}
		return PermAlertsAct, true
	}
	return "", false
}
