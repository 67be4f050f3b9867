// Package rewrite classifies upstream responses and rewrites the links in
// HTML documents so that navigation keeps going through the proxy.
package rewrite

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"rewrite-proxy/internal/target"
)

// ErrUnresolvable marks a link value that does not resolve to an http(s) URL.
var ErrUnresolvable = errors.New("unresolvable link")

// Kind classifies a link attribute value.
type Kind int

const (
	Unparseable Kind = iota
	AbsoluteURL
	RootRelativePath
	RelativePath
)

func (k Kind) String() string {
	switch k {
	case AbsoluteURL:
		return "absolute"
	case RootRelativePath:
		return "root-relative"
	case RelativePath:
		return "relative"
	default:
		return "unparseable"
	}
}

// Classify returns the Kind of a link value. The tests are ordered: an
// absolute http(s) URL first, then a root-relative path, then anything else
// that parses as a URI reference.
func Classify(value string) Kind {
	v := strings.TrimSpace(value)
	switch {
	case v == "":
		return Unparseable
	case hasHTTPScheme(v):
		return AbsoluteURL
	case strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "//"):
		return RootRelativePath
	}
	if _, err := url.Parse(v); err != nil {
		return Unparseable
	}
	return RelativePath
}

func hasHTTPScheme(v string) bool {
	return hasPrefixFold(v, "http://") || hasPrefixFold(v, "https://")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// Endpoints are the proxy paths links are rewritten to.
type Endpoints struct {
	Navigate string
	Resource string
}

// SingleEndpoint routes every link kind through path.
func SingleEndpoint(path string) Endpoints {
	return Endpoints{Navigate: path, Resource: path}
}

func (e Endpoints) path(kind LinkKind) string {
	if kind == Resource {
		return e.Resource
	}
	return e.Navigate
}

// Rewriter rewrites links found in one upstream document. It is immutable
// and safe for concurrent use; each Copy keeps its own document base.
type Rewriter struct {
	base       *url.URL
	endpoints  Endpoints
	policy     Policy
	formTarget bool
	maxBuf     int
}

// Option configures a Rewriter.
type Option func(*Rewriter)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(r *Rewriter) { r.policy = p }
}

// WithFormTarget toggles the hidden target field emitted inside GET forms.
func WithFormTarget(enabled bool) Option {
	return func(r *Rewriter) { r.formTarget = enabled }
}

// WithMaxTokenBytes caps the bytes buffered for a single HTML token.
// Zero means unlimited.
func WithMaxTokenBytes(n int) Option {
	return func(r *Rewriter) { r.maxBuf = n }
}

// New returns a Rewriter resolving links against base.
func New(base *url.URL, endpoints Endpoints, opts ...Option) *Rewriter {
	r := &Rewriter{
		base:       base,
		endpoints:  endpoints,
		policy:     DefaultPolicy,
		formTarget: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the absolute URL value refers to, relative to the
// rewriter's base.
func (r *Rewriter) Resolve(value string) (string, error) {
	return resolve(r.base, value)
}

// Rewrite returns value as a proxy URL for a link of the given kind.
// Values already pointing at one of the proxy endpoints are returned as is.
func (r *Rewriter) Rewrite(value string, kind LinkKind) (string, error) {
	return r.rewriteAgainst(r.base, value, kind)
}

func (r *Rewriter) rewriteAgainst(base *url.URL, value string, kind LinkKind) (string, error) {
	if r.isProxied(value) {
		return value, nil
	}
	abs, err := resolve(base, value)
	if err != nil {
		return value, err
	}
	return r.proxify(abs, kind), nil
}

func (r *Rewriter) proxify(abs string, kind LinkKind) string {
	return r.endpoints.path(kind) + "?" + target.Param + "=" + escapeTarget(abs)
}

// escapeTarget percent-encodes abs as one query value. Spaces become %20
// rather than the form-encoded '+'.
func escapeTarget(abs string) string {
	return strings.ReplaceAll(url.QueryEscape(abs), "+", "%20")
}

func (r *Rewriter) isProxied(value string) bool {
	v := strings.TrimSpace(value)
	for _, ep := range []string{r.endpoints.Navigate, r.endpoints.Resource} {
		if ep != "" && strings.HasPrefix(v, ep+"?"+target.Param+"=") {
			return true
		}
	}
	return false
}

func resolve(base *url.URL, value string) (string, error) {
	v := strings.TrimSpace(value)
	switch Classify(v) {
	case AbsoluteURL:
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrUnresolvable, value)
		}
		return v, nil

	case RootRelativePath:
		abs := base.Scheme + "://" + base.Host + v
		if _, err := url.Parse(abs); err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrUnresolvable, value, err)
		}
		return abs, nil

	case RelativePath:
		ref, err := url.Parse(v)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", ErrUnresolvable, value, err)
		}
		u := base.ResolveReference(ref)
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", fmt.Errorf("%w: %q resolves to scheme %q", ErrUnresolvable, value, u.Scheme)
		}
		return u.String(), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnresolvable, value)
}
