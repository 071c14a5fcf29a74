package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. If the deadline is exceeded before the handler completes,
// the request context is cancelled and a 504 Gateway Timeout response is
// returned.
//
// Paths matching any of skipPrefixes are excluded. Long-running endpoints
// such as bulk report exports can be skipped this way; individual handlers
// that need more time can also derive a new context with a longer deadline
// from the request context.
//
// The handler runs on a separate goroutine so the deadline can cut it off.
// Handler panics are re-raised on the request goroutine, where the recovery
// middleware turns them into 500s; a result or panic arriving after the
// timeout already answered is discarded.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(c.Request().URL.Path, prefix) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			// Buffered so a late handler parks its outcome instead of
			// blocking forever once the timeout has won the select.
			done := make(chan error, 1)
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						panicked <- r
					}
				}()
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case p := <-panicked:
				// An unrecovered panic on the spawned goroutine would kill
				// the process before the recovery middleware could act.
				panic(p)
			case <-ctx.Done():
				// If the context was cancelled due to timeout, return 504.
				if ctx.Err() == context.DeadlineExceeded {
					return gatewayTimeoutError(c)
				}
				// For other cancellation reasons (e.g. client disconnect),
				// just return the context error.
				return ctx.Err()
			}
		}
	}
}

func gatewayTimeoutError(c echo.Context) error {
	// Attempt to write the timeout response. If the response was already
	// committed (partial write), this will be a no-op.
	if !c.Response().Committed {
		return echo.NewHTTPError(http.StatusGatewayTimeout,
			"request processing exceeded the allowed time limit")
	}
	return nil
}
