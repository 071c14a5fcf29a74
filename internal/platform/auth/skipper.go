package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists URL paths that should bypass authentication and tenant
// resolution. These are infrastructure endpoints (health checks, metrics)
// that monitoring systems must reach without credentials.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// AuthSkipper reports whether a request's path should skip authentication.
// It is passed as the Skipper on JWTConfig, DevAuthMiddleware, and the
// tenant middleware so health-check and metrics endpoints stay reachable
// without a bearer token, tenant context, or database connection.
func AuthSkipper(c echo.Context) bool {
	return IsPublicPath(c.Path())
}

// IsPublicPath reports whether the given path is a public infrastructure
// endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
