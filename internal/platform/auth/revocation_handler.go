package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// revokeTokenRequest is the request body for POST /auth/revoke.
type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    string    `json:"user_id,omitempty"`
}

// revokeUserRequest is the request body for POST /auth/revoke-user.
type revokeUserRequest struct {
	UserID string `json:"user_id"`
}

// revokeUserResponse reports how many live sessions the call killed.
type revokeUserResponse struct {
	RevokedCount int `json:"revoked_count"`
}

// revocationListResponse is the response for GET /auth/revocations.
type revocationListResponse struct {
	Count    int              `json:"count"`
	Sessions int              `json:"sessions"`
	Entries  []RevocationInfo `json:"entries"`
}

// RegisterRevocationRoutes registers the token revocation endpoints. The
// identity provider owns token issuance, so compromised credentials are cut
// off here rather than waiting for expiry. Admin only.
func RegisterRevocationRoutes(g *echo.Group, store *TokenRevocationStore) {
	authGroup := g.Group("/auth", RequireRole("admin"))

	authGroup.POST("/revoke", handleRevokeToken(store))
	authGroup.POST("/revoke-user", handleRevokeUser(store))
	authGroup.GET("/revocations", handleListRevocations(store))
}

// handleRevokeToken revokes a single token by JTI.
func handleRevokeToken(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}

		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}

		if req.ExpiresAt.IsZero() {
			// Without the token in hand its exp claim is unknown; hold the
			// revocation for an hour, longer than any access token we accept.
			req.ExpiresAt = time.Now().Add(1 * time.Hour)
		}

		if req.UserID != "" {
			store.RevokeForUser(req.JTI, req.UserID, req.ExpiresAt)
		} else {
			store.Revoke(req.JTI, req.ExpiresAt)
		}

		return c.NoContent(http.StatusNoContent)
	}
}

// handleRevokeUser revokes every session observed for a user. Sessions this
// process never saw keep working until they expire; the count tells the
// caller how much was actually cut off.
func handleRevokeUser(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeUserRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}

		if req.UserID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
		}

		count := store.RevokeAllForUser(req.UserID)
		return c.JSON(http.StatusOK, revokeUserResponse{RevokedCount: count})
	}
}

// handleListRevocations returns the active revocations and the size of the
// live-session registry.
func handleListRevocations(store *TokenRevocationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		entries := store.Entries()
		return c.JSON(http.StatusOK, revocationListResponse{
			Count:    len(entries),
			Sessions: store.Sessions(),
			Entries:  entries,
		})
	}
}
