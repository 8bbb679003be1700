package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/auth"
	"lmstudio-proxy-go/internal/metrics"
)

// authBodies maps each rejection reason onto its external JSON body. All
// reasons share status 401 so the response gives no oracle about which check
// failed; the reason only shows up in logs and metrics.
var authBodies = map[auth.Reason]map[string]string{
	auth.ReasonMissingHeader: {
		"error":   "Missing authorization header",
		"message": "Send the API key as: Authorization: Bearer sk-...",
	},
	auth.ReasonMalformedFormat: {
		"error":   "Invalid API key format",
		"message": "API keys start with sk-",
	},
	auth.ReasonTooShort: {
		"error":   "Invalid API key format",
		"message": "API key is too short",
	},
	auth.ReasonMismatch: {
		"error":   "Invalid API key",
		"message": "The provided API key is not valid",
	},
}

// RequireAPIKey returns an Echo middleware that validates the bearer
// credential. Runs after admission; a rejected caller never reaches the
// forwarding engine. The metrics parameter may be nil.
func RequireAPIKey(validator *auth.Validator, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	log := logger.With("component", "auth")

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			result := validator.Validate(c.Request().Header.Get("Authorization"))
			if result.OK {
				return next(c)
			}

			// result.Candidate is pre-truncated; the full secret is never logged.
			log.Warn("credential rejected",
				"reason", result.Reason.String(),
				"candidate_prefix", result.Candidate,
				"path", c.Request().URL.Path,
			)
			if m != nil {
				m.AuthRejections.WithLabelValues(result.Reason.String()).Inc()
			}

			return c.JSON(http.StatusUnauthorized, authBodies[result.Reason])
		}
	}
}
