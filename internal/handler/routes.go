package handler

import (
	"net/http"
	"slices"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
)

// proxiedMethods are routed to the proxy endpoints directly. Any other
// method is routed under otherMethod and restored before the handler runs.
var proxiedMethods = []string{
	http.MethodGet,
	http.MethodHead,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
	http.MethodConnect,
	http.MethodTrace,
}

const (
	otherMethod    = "PROXY-OTHER"
	originalMethod = "proxy.original_method"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Paths
// without a route get Echo's 404.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, ui *UIHandler) {
	e.GET("/", ui.Index)
	e.GET("/index.html", ui.Index)

	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	paths := []string{cfg.Proxy.Endpoint}
	addProxyRoute(e, cfg.Proxy.Endpoint, proxy.Handle)
	if proxy.CanBrowse() {
		paths = append(paths, cfg.Proxy.BrowseEndpoint)
		addProxyRoute(e, cfg.Proxy.BrowseEndpoint, proxy.Browse)
	}
	e.Pre(routeOtherMethods(paths))
}

// addProxyRoute registers h for every method on path.
func addProxyRoute(e *echo.Echo, path string, h echo.HandlerFunc) {
	for _, m := range proxiedMethods {
		e.Add(m, path, h)
	}
	e.Add(otherMethod, path, restoreMethod(h))
}

// routeOtherMethods sends requests to paths whose method has no route of
// its own, such as WebDAV's MKCOL, to the otherMethod route.
func routeOtherMethods(paths []string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if slices.Contains(proxiedMethods, req.Method) || !slices.Contains(paths, req.URL.Path) {
				return next(c)
			}
			c.Set(originalMethod, req.Method)
			req.Method = otherMethod
			defer func() { req.Method, _ = c.Get(originalMethod).(string) }()
			return next(c)
		}
	}
}

func restoreMethod(h echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m, ok := c.Get(originalMethod).(string); ok {
			c.Request().Method = m
		}
		return h(c)
	}
}
