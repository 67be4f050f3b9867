package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
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

type statusResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	Endpoint       string `json:"endpoint"`
	BrowseEndpoint string `json:"browse_endpoint,omitempty"`
	Render         bool   `json:"render"`
	Egress         bool   `json:"egress"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Endpoint: h.cfg.Proxy.Endpoint,
		Render:   h.cfg.Render.Enabled,
		Egress:   h.cfg.Upstream.Egress != "",
	}
	if h.cfg.Render.Enabled {
		resp.BrowseEndpoint = h.cfg.Proxy.BrowseEndpoint
	}
	return c.JSON(http.StatusOK, resp)
}
