package handler

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lmstudio-proxy-go/internal/access"
	"lmstudio-proxy-go/internal/auth"
	"lmstudio-proxy-go/internal/config"
	"lmstudio-proxy-go/internal/metrics"
	"lmstudio-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
//
// /health is registered first and bypasses both admission and auth. Every
// other path runs the fixed pipeline: admission filter, then credential
// validator, then the forwarding engine. A rejection short-circuits; no
// upstream contact is attempted for disallowed or unauthenticated callers.
func RegisterRoutes(
	e *echo.Echo,
	cfg *config.Config,
	m *metrics.Metrics,
	logger *slog.Logger,
	filter *access.Filter,
	validator *auth.Validator,
	proxy *ProxyHandler,
	health *HealthHandler,
) {
	e.GET("/health", health.Health)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Any("/*", proxy.Handle,
		middleware.Admission(filter, logger, m),
		middleware.RequireAPIKey(validator, logger, m),
	)
}
