// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest represents a client request to be forwarded to a target.
type ProxyRequest struct {
	Ctx    context.Context
	Method string
	Target *url.URL
	Header http.Header
	Body   io.ReadCloser
}

// ProxyResponse represents the upstream response to be streamed back.
// Target is the URL that produced the body; relative links in an HTML body
// resolve against it.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Target     *url.URL
	HTML       bool
}
