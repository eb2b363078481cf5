package auth

import (
	"net/http"
	"strings"
)

// Middleware validates JWTs and enforces RBAC.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Policy.IsExempt(r) {
			next.ServeHTTP(w, r)
			return
		}

		required, ok := m.Policy.RequiredPermission(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		id, err := m.Authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !id.Role.Can(required) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Authenticate resolves the request's bearer credential. The token is read
// from the Authorization header or, for browser streams, the access_token
// query parameter.
func (m *Middleware) Authenticate(r *http.Request) (Identity, error) {
	token := extractBearer(r)
	if token == "" && r != nil {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	claims, err := ParseJWT(token, m.Secret)
	if err != nil {
		return Identity{}, err
	}
	role, _ := NormalizeRole(claims.Role)
	return Identity{Subject: claims.Subject, Role: role}, nil
}

func extractBearer(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
