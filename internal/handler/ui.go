package handler

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
)

//go:embed static/index.html
var indexTemplate string

// UIHandler serves the landing page.
type UIHandler struct {
	page []byte
}

// NewUIHandler renders the landing page once for the configured endpoints.
func NewUIHandler(cfg *config.Config) (*UIHandler, error) {
	tmpl, err := template.New("index").Parse(indexTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}

	data := struct {
		Endpoint       string
		BrowseEndpoint string
	}{Endpoint: cfg.Proxy.Endpoint}
	if cfg.Render.Enabled {
		data.BrowseEndpoint = cfg.Proxy.BrowseEndpoint
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render index template: %w", err)
	}
	return &UIHandler{page: buf.Bytes()}, nil
}

// Index serves the landing page.
func (h *UIHandler) Index(c echo.Context) error {
	return c.HTMLBlob(http.StatusOK, h.page)
}
