// Package middleware provides Echo middleware for logging, security, and
// the admission/authentication pipeline stages.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/access"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"client_ip", access.ResolveClientAddr(req.Header, req.RemoteAddr),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
