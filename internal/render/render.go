// Package render obtains the serialized DOM of a page from a managed
// headless-browser service.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
)

// Page is a rendered document. Body holds the serialized HTML and must be
// closed by the caller. URL is the address the document was loaded from.
type Page struct {
	URL  *url.URL
	Body io.ReadCloser
}

// Renderer loads a page in a browser, waits for the DOM to be parsed and
// returns its serialization.
type Renderer interface {
	Render(ctx context.Context, target *url.URL) (*Page, error)
}

type contentRequest struct {
	URL         string      `json:"url"`
	GotoOptions gotoOptions `json:"gotoOptions"`
}

type gotoOptions struct {
	WaitUntil string `json:"waitUntil"`
}

// maxErrorBody bounds how much of a failed reply is kept for diagnostics.
const maxErrorBody = 512

// RemoteRenderer talks to a browserless-compatible /content endpoint. The
// service opens a page, navigates, serializes the DOM and closes the page
// for every call.
type RemoteRenderer struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteRenderer creates a RemoteRenderer for the service at
// cfg.Render.URL. Calls share the upstream transport settings, including
// egress.
func NewRemoteRenderer(cfg *config.Config, logger *slog.Logger) (*RemoteRenderer, error) {
	tr, err := client.NewTransport(&cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("render transport: %w", err)
	}

	return &RemoteRenderer{
		endpoint: cfg.Render.URL,
		httpClient: &http.Client{
			Transport: tr,
			Timeout:   time.Duration(cfg.Render.TimeoutSeconds) * time.Second,
		},
		logger: logger.With("component", "renderer"),
	}, nil
}

// Render implements Renderer. Failures are returned as *client.UpstreamError.
func (r *RemoteRenderer) Render(ctx context.Context, target *url.URL) (*Page, error) {
	payload, err := json.Marshal(contentRequest{
		URL:         target.String(),
		GotoOptions: gotoOptions{WaitUntil: "domcontentloaded"},
	})
	if err != nil {
		return nil, fmt.Errorf("encode render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/html")

	r.logger.Debug("render request", "target", target.Redacted())

	resp, err := r.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via Page
	if err != nil {
		return nil, client.Classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &client.UpstreamError{
			Kind: client.KindNetwork,
			Err:  fmt.Errorf("render service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)),
		}
	}

	return &Page{URL: target, Body: resp.Body}, nil
}
