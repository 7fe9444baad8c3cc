package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the informational root and health endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Root returns service information and route usage.
func (h *HealthHandler) Root(c echo.Context) error {
	prefix := h.cfg.Upstream.PathPrefix
	return c.JSON(http.StatusOK, map[string]any{
		"service":  "relay-proxy",
		"version":  string(h.version),
		"upstream": h.cfg.Upstream.BaseURL,
		"routes": map[string]string{
			prefix + "/*": "relay onto the upstream base, prefix stripped",
			"/proxy":      "relay to the target given in the url query parameter",
			"/healthz":    "liveness probe",
		},
	})
}
