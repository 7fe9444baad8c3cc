package handler

import (
	"github.com/labstack/echo/v4"

	"relay-proxy-go/internal/config"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The bare prefix route (path equal to the prefix) maps to the bare upstream
// base URL.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, rel *RelayHandler, health *HealthHandler) {
	e.GET("/", health.Root)
	e.GET("/healthz", health.Healthz)

	prefix := cfg.Upstream.PathPrefix
	e.Any(prefix, rel.HandlePath)
	e.Any(prefix+"/*", rel.HandlePath)

	e.Any("/proxy", rel.HandleQuery)
}
