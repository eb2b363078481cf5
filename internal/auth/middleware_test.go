package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/latest", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerForbiddenAlertAck(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/alert-1/ack", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_OperatorCannotManageChannels(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/notification-channels", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_QueryTokenForStream(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy([]string{"/healthz"}, nil))
	var subject string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream?access_token="+token, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if subject != "user-1" {
		t.Fatalf("expected subject user-1, got %q", subject)
	}
}

func TestParseJWT_ExpiredIsAuthError(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "user-1", RoleViewer, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err = ParseJWT(token, secret)
	var authErr *AuthError
	if !errors.As(err, &authErr) || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestAgentKeyring(t *testing.T) {
	ring := NewAgentKeyring()
	if err := ring.Register("inst-a", "secret-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ring.RegisterDigest("inst-b", DigestKey("secret-b")); err != nil {
		t.Fatalf("register digest: %v", err)
	}

	if id, err := ring.Authenticate("inst-a", "secret-a"); err != nil || id != "inst-a" {
		t.Fatalf("expected inst-a, got %q %v", id, err)
	}
	if _, err := ring.Authenticate("inst-b", "secret-b"); err != nil {
		t.Fatalf("expected digest match, got %v", err)
	}
	if _, err := ring.Authenticate("inst-b", "secret-a"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected key bound to other instance to fail, got %v", err)
	}
	if _, err := ring.Authenticate("inst-c", "secret-a"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unknown instance to fail, got %v", err)
	}
	if err := ring.RegisterDigest("inst-d", "zz"); err == nil {
		t.Fatalf("expected malformed digest rejection")
	}
}

func mustToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	r, _ := NormalizeRole(role)
	signed, err := IssueJWT(secret, "user-1", r, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthMiddleware_ProvisioningRequiresAdmin(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for role, want := range map[string]int{"operator": http.StatusForbidden, "admin": http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/provisioning", nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, role))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", role, want, resp.Code)
		}
	}
}

func TestRolePermissions(t *testing.T) {
	cases := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermFleetRead, true},
		{RoleViewer, PermAlertsAct, false},
		{RoleOperator, PermAlertsAct, true},
		{RoleOperator, PermCommandsSend, true},
		{RoleOperator, PermChannelsWrite, false},
		{RoleAdmin, PermProvisionWrite, true},
		{Role("guest"), PermFleetRead, false},
	}
	for _, tc := range cases {
		if got := tc.role.Can(tc.perm); got != tc.want {
			t.Fatalf("%s can %s: expected %v, got %v", tc.role, tc.perm, tc.want, got)
		}
	}
	if role, ok := NormalizeRole(" OnCall "); !ok || role != RoleOperator {
		t.Fatalf("expected oncall alias to map to operator, got %q %v", role, ok)
	}
	if _, ok := NormalizeRole("superuser"); ok {
		t.Fatalf("expected unknown role rejected")
	}
}

func TestAuthMiddleware_CommandsNeedOperator(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for role, want := range map[string]int{"viewer": http.StatusForbidden, "operator": http.StatusOK} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/instances/inst-a/commands", nil)
		req.Header.Set("Authorization", "Bearer "+mustToken(t, secret, role))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("%s: expected %d, got %d", role, want, resp.Code)
		}
	}
}
