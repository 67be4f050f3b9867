package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are request headers that belong to the client connection
// and never reach a handler.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// defaultResponseHeaders are set on responses that do not carry them.
var defaultResponseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "SAMEORIGIN"},
	{"Referrer-Policy", "same-origin"},
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop headers
// from requests and adds default security headers to responses.
//
// Framing is limited to the same origin so the proxy's own UI may frame
// proxied pages. Same-origin referrers let follow-up requests from a proxied
// page carry the proxied target. A value already set by the handler, such
// as one copied from an upstream response, is kept.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				for _, kv := range defaultResponseHeaders {
					if h.Get(kv[0]) == "" {
						h.Set(kv[0], kv[1])
					}
				}
			})

			return next(c)
		}
	}
}
