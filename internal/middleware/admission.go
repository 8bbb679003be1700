package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/access"
	"lmstudio-proxy-go/internal/metrics"
)

// Admission returns an Echo middleware enforcing the client IP allow-list.
// It runs before credential validation; a rejected caller never reaches the
// validator or the upstream. The metrics parameter may be nil.
func Admission(filter *access.Filter, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	log := logger.With("component", "admission")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			addr := access.ResolveClientAddr(req.Header, req.RemoteAddr)

			decision := filter.Admit(addr)
			if decision.OK {
				return next(c)
			}

			log.Warn("request rejected by allow-list",
				"reason", decision.Reason.String(),
				"client_ip", addr,
				"path", req.URL.Path,
			)
			if m != nil {
				m.AdmissionRejections.WithLabelValues(decision.Reason.String()).Inc()
			}

			if decision.Reason == access.ReasonNoAddress {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error": "Unable to determine client IP",
				})
			}
			return c.JSON(http.StatusForbidden, map[string]string{
				"error": "IP address not allowed",
			})
		}
	}
}
