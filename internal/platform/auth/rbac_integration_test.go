package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

// helper creates an echo context with the given roles set on the request context.
func newContextWithRoles(method, path string, roles []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

// helper creates an echo context with the given scopes set on the request context.
func newContextWithScopes(method, path string, scopes []string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	ctx := context.WithValue(req.Context(), UserScopesKey, scopes)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return c, rec
}

var okHandler = func(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// TestRequireRole_AdminAccessesAll verifies that the admin role can access any
// role-protected endpoint regardless of which roles are listed.
func TestRequireRole_AdminAccessesAll(t *testing.T) {
	domainRoles := [][]string{
		{"operator", "reviewer"},
		{"operator"},
		{"reviewer"},
	}

	for _, roles := range domainRoles {
		c, _ := newContextWithRoles(http.MethodGet, "/", []string{"admin"})
		mw := RequireRole(roles...)
		err := mw(okHandler)(c)
		if err != nil {
			t.Errorf("admin should access endpoint requiring %v, got error: %v", roles, err)
		}
	}
}

// TestRequireRole_OperatorAccessesIntake verifies that an operator can access
// intake endpoints which list "operator" as a permitted role.
func TestRequireRole_OperatorAccessesIntake(t *testing.T) {
	intakeRoles := []string{"admin", "operator"}

	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/documents", []string{"operator"})
	mw := RequireRole(intakeRoles...)
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("operator should read intake endpoints, got error: %v", err)
	}

	// Also verify write access
	c, _ = newContextWithRoles(http.MethodPost, "/api/v1/documents", []string{"operator"})
	mw = RequireRole(intakeRoles...)
	err = mw(okHandler)(c)
	if err != nil {
		t.Errorf("operator should submit documents, got error: %v", err)
	}
}

// TestRequireRole_ReviewerAccessesReview verifies that a reviewer can access
// review queue endpoints.
func TestRequireRole_ReviewerAccessesReview(t *testing.T) {
	// Review read: admin, operator, reviewer
	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/review", []string{"reviewer"})
	mw := RequireRole("admin", "operator", "reviewer")
	err := mw(okHandler)(c)
	if err != nil {
		t.Errorf("reviewer should read review endpoints, got error: %v", err)
	}

	// Review resolve: admin, reviewer (operator NOT included for write)
	c, _ = newContextWithRoles(http.MethodPost, "/api/v1/review/123/resolve", []string{"reviewer"})
	mw = RequireRole("admin", "reviewer")
	err = mw(okHandler)(c)
	if err != nil {
		t.Errorf("reviewer should resolve review items, got error: %v", err)
	}
}

// TestRequireRole_OperatorDeniedResolve verifies that an operator cannot
// resolve review items.
func TestRequireRole_OperatorDeniedResolve(t *testing.T) {
	c, _ := newContextWithRoles(http.MethodPost, "/api/v1/review/123/resolve", []string{"operator"})
	mw := RequireRole("admin", "reviewer")
	err := mw(okHandler)(c)
	if err == nil {
		t.Error("operator should NOT resolve review items")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 Forbidden, got %d", httpErr.Code)
	}
}

// TestRequireRole_ReviewerDeniedOutbox verifies that a reviewer cannot
// access outbox administration endpoints.
func TestRequireRole_ReviewerDeniedOutbox(t *testing.T) {
	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/outbox", []string{"reviewer"})
	mw := RequireRole("admin")
	err := mw(okHandler)(c)
	if err == nil {
		t.Error("reviewer should NOT access outbox endpoints")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 Forbidden, got %d", httpErr.Code)
	}

	// Outbox retry: admin only
	c, _ = newContextWithRoles(http.MethodPost, "/api/v1/outbox/retry", []string{"reviewer"})
	mw = RequireRole("admin")
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("reviewer should NOT trigger outbox retries")
	}
}

// TestRequireRole_NoRoleDenied verifies that a request with no roles is denied
// access to any role-protected endpoint.
func TestRequireRole_NoRoleDenied(t *testing.T) {
	// Empty roles slice
	c, _ := newContextWithRoles(http.MethodGet, "/api/v1/documents", []string{})
	mw := RequireRole("admin", "operator", "reviewer")
	err := mw(okHandler)(c)
	if err == nil {
		t.Error("empty roles should be denied")
	}

	// Nil roles (no context value)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/documents", nil)
	rec := httptest.NewRecorder()
	c = e.NewContext(req, rec)
	err = mw(okHandler)(c)
	if err == nil {
		t.Error("nil roles should be denied")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 Forbidden, got %d", httpErr.Code)
	}
}

// TestRequireScope_MatchesExact verifies that an exact scope grant matches
// the required scope.
func TestRequireScope_MatchesExact(t *testing.T) {
	tests := []struct {
		name       string
		scopes     []string
		collection string
		op         string
		wantErr    bool
	}{
		{"exact match read", []string{"documents.read"}, "documents", "read", false},
		{"exact match write", []string{"documents.write"}, "documents", "write", false},
		{"mismatch operation", []string{"documents.read"}, "documents", "write", true},
		{"mismatch collection", []string{"documents.read"}, "review", "read", true},
		{"multiple scopes hit", []string{"review.read", "documents.read"}, "documents", "read", false},
		{"multiple scopes miss", []string{"review.read", "reports.read"}, "documents", "read", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContextWithScopes(http.MethodGet, "/", tt.scopes)
			mw := RequireScope(tt.collection, tt.op)
			err := mw(okHandler)(c)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

// TestRequireScope_WildcardGrant verifies that wildcard scope grants cover
// specific scope requirements.
func TestRequireScope_WildcardGrant(t *testing.T) {
	tests := []struct {
		name       string
		scopes     []string
		collection string
		op         string
		wantErr    bool
	}{
		{"full wildcard covers read", []string{"*.*"}, "documents", "read", false},
		{"full wildcard covers write", []string{"*.*"}, "review", "write", false},
		{"read wildcard covers documents", []string{"*.read"}, "documents", "read", false},
		{"read wildcard blocks write", []string{"*.read"}, "documents", "write", true},
		{"collection wildcard op", []string{"documents.*"}, "documents", "read", false},
		{"collection wildcard op write", []string{"documents.*"}, "documents", "write", false},
		{"collection wildcard wrong collection", []string{"documents.*"}, "review", "read", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newContextWithScopes(http.MethodGet, "/", tt.scopes)
			mw := RequireScope(tt.collection, tt.op)
			err := mw(okHandler)(c)
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}
