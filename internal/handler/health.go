package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the unauthenticated health endpoint.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Health reports that the proxy process is up. It deliberately says nothing
// about upstream reachability: a monitor or tunnel can use it to separate
// "process down" from "origin unreachable" without spending a credential check.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"lmStudioUrl": h.cfg.LMStudio.BaseURL,
		"version":     string(h.version),
	})
}
