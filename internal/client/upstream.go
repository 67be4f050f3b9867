// Package client provides the outbound HTTP client used to reach proxy targets.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/socks5"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
)

// Kind categorises an upstream failure.
type Kind string

const (
	KindNetwork Kind = "network"
	KindTimeout Kind = "timeout"
	KindTLS     Kind = "tls"
)

// UpstreamError is returned when the outbound call to a target fails.
type UpstreamError struct {
	Kind Kind
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Classify wraps err in an UpstreamError of the matching Kind. An error that
// already is an UpstreamError is returned as is.
func Classify(err error) *UpstreamError {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue
	}
	return &UpstreamError{Kind: kindOf(err), Err: err}
}

func kindOf(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalidCert      x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalidCert),
		errors.As(err, &verification),
		errors.As(err, &recordHeader),
		errors.As(err, &alert):
		return KindTLS
	}
	return KindNetwork
}

// NewTransport builds the pooled transport shared by every outbound call.
// When egress is configured, all connections are dialled through the SOCKS5
// proxy it names.
func NewTransport(cfg *config.UpstreamConfig) (*http.Transport, error) {
	dial, err := newDialContext(cfg.Egress)
	if err != nil {
		return nil, err
	}

	return &http.Transport{
		MaxIdleConns:          cfg.IdleConnections,
		MaxIdleConnsPerHost:   cfg.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext:           dial,
	}, nil
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func newDialContext(egress string) (dialFunc, error) {
	direct := net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if egress == "" {
		return direct.DialContext, nil
	}

	u, err := url.Parse(egress)
	if err != nil {
		return nil, fmt.Errorf("parse egress url: %w", err)
	}
	endpoint := &transport.StreamDialerEndpoint{
		Dialer:  &transport.TCPDialer{Dialer: direct},
		Address: u.Host,
	}
	sc, err := socks5.NewClient(endpoint)
	if err != nil {
		return nil, fmt.Errorf("create socks5 client: %w", err)
	}
	if u.User != nil {
		password, _ := u.User.Password()
		if err := sc.SetCredentials([]byte(u.User.Username()), []byte(password)); err != nil {
			return nil, fmt.Errorf("socks5 credentials: %w", err)
		}
	}

	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		switch network {
		case "tcp", "tcp4", "tcp6":
		default:
			return nil, fmt.Errorf("egress: unsupported network %q", network)
		}
		return sc.DialStream(ctx, addr)
	}, nil
}

// UpstreamClient sends requests to proxy targets. Redirects are never
// followed: 3xx responses are returned to the caller as is.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and a
// per-call deadline. The metrics parameter is optional; pass nil to disable
// upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	tr, err := NewTransport(&cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream transport: %w", err)
	}
	if cfg.Upstream.Egress != "" {
		logger.Info("upstream egress via socks5", "proxy", redactEgress(cfg.Upstream.Egress))
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}, nil
}

// Do executes one HTTP request against its target and returns the raw
// response. Failures are returned as *UpstreamError. The caller is
// responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		ue := Classify(err)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(string(ue.Kind)).Inc()
		}
		return nil, ue
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		Target:     req.URL,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned body.
// The provided context controls the lifetime of the upstream request:
// when the context is canceled (e.g. client disconnects), the upstream
// request is also canceled.
func (c *UpstreamClient) DoStream(ctx context.Context, method string, target *url.URL, header http.Header, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header

	// Outgoing requests take their length from the field, not the header.
	if cl := header.Get("Content-Length"); cl != "" && body != nil {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
			req.ContentLength = n
		}
		header.Del("Content-Length")
	}

	return c.Do(req)
}

func redactEgress(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
