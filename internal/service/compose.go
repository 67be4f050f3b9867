package service

import (
	"fmt"
	"io"
	"net/http"

	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/model"
	"rewrite-proxy/internal/rewrite"
)

// Respond writes resp to w. HTML bodies are streamed through the rewriter
// with links pointing at endpoints; every other body is copied unchanged.
//
// An error returned after w.WriteHeader has been called means the response
// is truncated; the caller must abort the connection rather than write more.
func (s *ProxyService) Respond(w http.ResponseWriter, method string, resp *model.ProxyResponse, endpoints rewrite.Endpoints) error {
	rw := s.rewriter(resp, endpoints)

	h := w.Header()
	for key, vals := range resp.Header {
		// Add per value so repeated headers such as Set-Cookie stay separate.
		for _, v := range vals {
			h.Add(key, v)
		}
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		if out, err := rw.Rewrite(loc, rewrite.Navigation); err == nil {
			h.Set("Location", out)
		} else {
			s.logger.Debug("location left unchanged", "location", loc, "err", err)
		}
	}

	if !resp.HTML || !hasBody(method, resp.StatusCode) {
		if resp.HTML {
			h.Del("Content-Length")
		}
		return s.passthrough(w, resp)
	}

	// The rewritten body has a different length; let the server chunk it.
	h.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	s.metrics.ObserveResponse(metrics.ModeRewrite)

	stats, err := rw.Copy(w, resp.Body)
	s.metrics.ObserveLinks(stats.Rewritten, stats.Skipped)
	s.logger.Debug("rewrote html",
		"target", resp.Target.Redacted(),
		"rewritten", stats.Rewritten,
		"skipped", stats.Skipped,
	)
	if err != nil {
		return fmt.Errorf("rewrite body: %w", err)
	}
	return nil
}

func (s *ProxyService) passthrough(w http.ResponseWriter, resp *model.ProxyResponse) error {
	w.WriteHeader(resp.StatusCode)
	s.metrics.ObserveResponse(metrics.ModePassthrough)

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("copy body: %w", err)
	}
	return nil
}

func (s *ProxyService) rewriter(resp *model.ProxyResponse, endpoints rewrite.Endpoints) *rewrite.Rewriter {
	return rewrite.New(resp.Target, endpoints,
		rewrite.WithFormTarget(s.cfg.Rewrite.FormTargetInjection()),
		rewrite.WithMaxTokenBytes(s.cfg.Rewrite.MaxTokenBytes),
	)
}

// hasBody reports whether a response to method with the given status may
// carry a body.
func hasBody(method string, status int) bool {
	switch {
	case method == http.MethodHead:
		return false
	case status >= 100 && status < 200:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
