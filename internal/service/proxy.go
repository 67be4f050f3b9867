// Package service implements the core proxy forwarding logic.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/target"
)

// hopByHopHeaders are never forwarded in either direction.
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

// strippedRequestHeaders describe the client's hop to the proxy, not the
// proxy's hop to the target.
var strippedRequestHeaders = []string{
	"Host",
	"Forwarded",
	"X-Real-Ip",
	"Origin",
	"Referer",
	"Accept-Encoding",
}

// strippedResponseHeaders would otherwise apply the target's policies to the
// proxy's own origin.
var strippedResponseHeaders = []string{
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Alt-Svc",
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// Forward sends a ProxyRequest to its target and returns the response with
// hop-by-hop headers removed. Failures are returned as *client.UpstreamError.
// The caller is responsible for closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header := s.filterRequestHeaders(pr.Header)

	var body io.Reader
	if pr.Body != nil && pr.Method != http.MethodGet && pr.Method != http.MethodHead {
		body = pr.Body
	} else {
		header.Del("Content-Length")
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"target", pr.Target.Redacted(),
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, pr.Target, header, body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.HTML = rewrite.IsHTML(resp.Header.Get("Content-Type"))
	resp.Header = filterResponseHeaders(resp.Header)
	return resp, nil
}

func (s *ProxyService) filterRequestHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	removeHopByHop(dst)
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	for key := range dst {
		if strings.HasPrefix(key, "X-Forwarded-") {
			delete(dst, key)
		}
	}

	if ref := s.proxiedReferer(src.Get("Referer")); ref != "" {
		dst.Set("Referer", ref)
	}

	if s.cfg.Upstream.UserAgentMode != config.UserAgentForward {
		dst.Set("User-Agent", s.userAgent())
	}
	return dst
}

func (s *ProxyService) userAgent() string {
	if s.cfg.Upstream.UserAgent != "" {
		return s.cfg.Upstream.UserAgent
	}
	return config.DefaultUserAgent
}

// proxiedReferer returns the target a proxy-URL referer points at, or "".
func (s *ProxyService) proxiedReferer(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Path != s.cfg.Proxy.Endpoint && u.Path != s.cfg.Proxy.BrowseEndpoint {
		return ""
	}
	t, err := target.Resolve(u.Query().Get(target.Param))
	if err != nil {
		return ""
	}
	return t.String()
}

func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		return make(http.Header)
	}
	removeHopByHop(dst)
	for _, key := range strippedResponseHeaders {
		dst.Del(key)
	}
	return dst
}

// removeHopByHop deletes the fixed hop-by-hop headers and any header named
// in Connection.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}
