package middleware

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"lmstudio-proxy-go/internal/auth"
)

const testKey = "sk-aaaaaaaaaa"

func newAuthEcho(t *testing.T) *echo.Echo {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.GET("/v1/models", func(c echo.Context) error {
		return c.String(http.StatusOK, "reached")
	}, RequireAPIKey(auth.NewValidator(testKey), logger, nil))
	return e
}

func TestRequireAPIKey_ValidKey(t *testing.T) {
	e := newAuthEcho(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "reached" {
		t.Errorf("body = %q, want handler output", rec.Body.String())
	}
}

func TestRequireAPIKey_RejectionBodies(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		wantError string
	}{
		{"missing header", "", "Missing authorization header"},
		{"malformed", "Bearer nope", "Invalid API key format"},
		{"too short", "Bearer sk-abc", "Invalid API key format"},
		{"mismatch", "Bearer sk-bbbbbbbbbb", "Invalid API key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAuthEcho(t)

			req := httptest.NewRequest(http.MethodGet, "/v1/models", http.NoBody)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			// Every rejection is the same 401; only the body text differs.
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}

			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("body.error = %q, want %q", body["error"], tt.wantError)
			}
			if body["message"] == "" {
				t.Error("body.message is empty, want human-readable text")
			}
		})
	}
}
