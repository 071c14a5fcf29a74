package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers for a JSON API that also
// serves document downloads. Strict-Transport-Security is only set on
// requests that arrived over TLS, directly or through a terminating
// proxy that forwards the protocol.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")

			// Legacy XSS filter off; the CSP below governs.
			h.Set("X-XSS-Protection", "0")

			// Responses are JSON or file downloads; nothing may load
			// resources or embed them.
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// PDF readers consult cross-domain policy files for
			// downloaded documents.
			h.Set("X-Permitted-Cross-Domain-Policies", "none")

			if c.Request().TLS != nil || c.Request().Header.Get("X-Forwarded-Proto") == "https" {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			// Responses can carry PHI; intermediaries must not cache.
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
