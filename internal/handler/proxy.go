package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/render"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/service"
	"rewrite-proxy/internal/target"
)

// Client-facing messages for target errors.
const (
	msgMissingTarget = `Please provide a "url" query parameter.`
	msgInvalidTarget = `Invalid "url" query parameter: expected an absolute http or https URL.`
)

// ProxyHandler serves the proxy and browse endpoints.
type ProxyHandler struct {
	service  *service.ProxyService
	renderer render.Renderer
	cfg      *config.Config
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The renderer may be nil, in which
// case Browse is not available.
func NewProxyHandler(svc *service.ProxyService, r render.Renderer, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service:  svc,
		renderer: r,
		cfg:      cfg,
		logger:   logger.With("component", "proxy_handler"),
	}
}

// CanBrowse reports whether a renderer is configured.
func (h *ProxyHandler) CanBrowse() bool {
	return h.renderer != nil
}

func (h *ProxyHandler) proxyEndpoints() rewrite.Endpoints {
	return rewrite.SingleEndpoint(h.cfg.Proxy.Endpoint)
}

// browseEndpoints keep navigation rendered while subresources are fetched
// directly.
func (h *ProxyHandler) browseEndpoints() rewrite.Endpoints {
	return rewrite.Endpoints{Navigate: h.cfg.Proxy.BrowseEndpoint, Resource: h.cfg.Proxy.Endpoint}
}

// Handle fetches the target named by the url query parameter and streams
// the response back, rewriting HTML bodies.
func (h *ProxyHandler) Handle(c echo.Context) error {
	t, err := target.FromQuery(c.QueryParams())
	if err != nil {
		return h.mapError(c, err)
	}
	return h.forward(c, t, h.proxyEndpoints())
}

// Browse renders the target in a headless browser and returns the rewritten
// DOM. Requests other than GET and HEAD, such as POST form submissions, are
// fetched directly as on the proxy endpoint.
func (h *ProxyHandler) Browse(c echo.Context) error {
	t, err := target.FromQuery(c.QueryParams())
	if err != nil {
		return h.mapError(c, err)
	}

	req := c.Request()
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return h.forward(c, t, h.browseEndpoints())
	}

	page, err := h.renderer.Render(req.Context(), t)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = page.Body.Close() }()

	resp := &model.ProxyResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{echo.HeaderContentType: {echo.MIMETextHTMLCharsetUTF8}},
		Body:       page.Body,
		Target:     page.URL,
		HTML:       true,
	}
	return h.respond(c, resp, h.browseEndpoints())
}

func (h *ProxyHandler) forward(c echo.Context, t *url.URL, endpoints rewrite.Endpoints) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Target: t,
		Header: req.Header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return h.respond(c, resp, endpoints)
}

func (h *ProxyHandler) respond(c echo.Context, resp *model.ProxyResponse, endpoints rewrite.Endpoints) error {
	err := h.service.Respond(c.Response(), c.Request().Method, resp, endpoints)
	if err == nil {
		return nil
	}
	if !c.Response().Committed {
		return h.mapError(c, err)
	}

	// The status line and part of the body are already out. Appending an
	// error would corrupt the document, so the connection is dropped.
	h.logger.Error("streaming response body",
		"err", err,
		"target", resp.Target.Redacted(),
	)
	panic(http.ErrAbortHandler)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, target.ErrMissing):
		h.logger.Debug("missing target", "path", c.Request().URL.Path)
		return c.String(http.StatusBadRequest, msgMissingTarget)

	case errors.Is(err, target.ErrInvalid):
		h.logger.Debug("invalid target", "err", err, "path", c.Request().URL.Path)
		return c.String(http.StatusBadRequest, msgInvalidTarget)
	}

	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var ue *client.UpstreamError
	if errors.As(err, &ue) {
		return c.String(http.StatusInternalServerError,
			fmt.Sprintf("Error fetching content (%s): %v", ue.Kind, ue.Err))
	}
	return c.String(http.StatusInternalServerError, fmt.Sprintf("Error fetching content: %v", err))
}
