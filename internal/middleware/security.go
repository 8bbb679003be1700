package middleware

import (
	"github.com/labstack/echo/v4"
)

// inboundHopByHopHeaders are connection-scoped headers (RFC 9110 §7.6.1)
// dropped from inbound requests before any pipeline stage sees them. The
// forwarding engine scrubs its own copy too, but stripping here keeps
// Proxy-Authorization and friends out of logs and handlers entirely.
var inboundHopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from inbound requests and adds browser hardening headers to responses.
// The response headers go on before next() runs: the proxy handler commits
// and flushes the header block as soon as the upstream answers, so anything
// set afterwards would never reach a streaming caller.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range inboundHopByHopHeaders {
				c.Request().Header.Del(h)
			}

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")

			return next(c)
		}
	}
}
