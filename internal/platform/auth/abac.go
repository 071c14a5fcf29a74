package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// AccessPolicy defines which roles may touch an API collection, split by
// read and write access.
type AccessPolicy struct {
	Collection string   `json:"collection"`
	ReadRoles  []string `json:"read_roles"`
	WriteRoles []string `json:"write_roles"`
}

// PolicyEngine evaluates collection access policies against the roles carried
// in the request context. Collections without a policy are denied.
type PolicyEngine struct {
	policies []AccessPolicy
}

// NewPolicyEngine creates a new engine with the given policies.
func NewPolicyEngine(policies []AccessPolicy) *PolicyEngine {
	return &PolicyEngine{policies: policies}
}

// DefaultPolicies returns the access policies for the document pipeline API.
// Operators run intake and read results; reviewers work the review queue;
// admin covers everything including outbox and key management.
func DefaultPolicies() []AccessPolicy {
	return []AccessPolicy{
		{Collection: "documents", ReadRoles: []string{"admin", "operator", "reviewer"}, WriteRoles: []string{"admin", "operator"}},
		{Collection: "review", ReadRoles: []string{"admin", "operator", "reviewer"}, WriteRoles: []string{"admin", "reviewer"}},
		{Collection: "reports", ReadRoles: []string{"admin", "operator"}, WriteRoles: []string{"admin"}},
		{Collection: "outbox", ReadRoles: []string{"admin"}, WriteRoles: []string{"admin"}},
	}
}

// Evaluate checks if the given context allows the operation on the collection.
func (e *PolicyEngine) Evaluate(ctx context.Context, collection, operation string) *AccessDecision {
	roles := RolesFromContext(ctx)

	// Admin bypass
	for _, r := range roles {
		if r == "admin" {
			return &AccessDecision{Allowed: true, Reason: "admin role"}
		}
	}

	for _, policy := range e.policies {
		if policy.Collection != collection {
			continue
		}
		allowed := policy.ReadRoles
		if operation == "write" {
			allowed = policy.WriteRoles
		}
		for _, allowedRole := range allowed {
			for _, userRole := range roles {
				if userRole == allowedRole {
					return &AccessDecision{Allowed: true, Reason: "policy match"}
				}
			}
		}
		return &AccessDecision{Allowed: false, Reason: "insufficient role for " + collection}
	}

	// No policy found - default deny
	return &AccessDecision{Allowed: false, Reason: "no policy for " + collection}
}

// AccessDecision represents the result of a policy evaluation.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// PolicyMiddleware returns middleware that enforces collection access policies
// on /api/v1 routes.
func PolicyMiddleware(engine *PolicyEngine) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			collection := extractCollection(c.Request().URL.Path)
			if collection == "" {
				return next(c)
			}

			operation := "read"
			switch c.Request().Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
				operation = "write"
			}

			decision := engine.Evaluate(c.Request().Context(), collection, operation)
			if !decision.Allowed {
				return echo.NewHTTPError(http.StatusForbidden, decision.Reason)
			}

			return next(c)
		}
	}
}

// extractCollection parses the collection segment from a path like
// /api/v1/documents/123.
func extractCollection(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "v1" {
		return parts[2]
	}
	return ""
}
