// Package target resolves the caller-supplied destination URL of a proxy request.
package target

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Param is the query parameter carrying the encoded target URL.
const Param = "url"

var (
	// ErrMissing is returned when the request carries no target parameter.
	ErrMissing = errors.New("missing target url")
	// ErrInvalid is returned when the target is not an absolute http(s) URL.
	ErrInvalid = errors.New("invalid target url")
)

// Resolve parses raw into an absolute http or https URL.
// Scheme-relative, relative and non-HTTP references are rejected.
func Resolve(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissing
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q not allowed", ErrInvalid, u.Scheme)
	}
	if u.Host == "" || u.Opaque != "" {
		return nil, fmt.Errorf("%w: no host", ErrInvalid)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// FromQuery resolves the target carried by a proxy request's query.
//
// Parameters other than Param are appended to the target's query. This is
// how GET form submissions reach their action: the browser drops the
// action's own query and sends the form fields next to the hidden url field.
func FromQuery(q url.Values) (*url.URL, error) {
	vals, ok := q[Param]
	if !ok || len(vals) == 0 || strings.TrimSpace(vals[0]) == "" {
		return nil, ErrMissing
	}

	u, err := Resolve(vals[0])
	if err != nil {
		return nil, err
	}

	extra := make(url.Values, len(q))
	for k, vs := range q {
		if k != Param {
			extra[k] = vs
		}
	}
	if len(extra) > 0 {
		// The target's own query is kept as written; fields are appended.
		if u.RawQuery == "" {
			u.RawQuery = extra.Encode()
		} else {
			u.RawQuery += "&" + extra.Encode()
		}
		u.ForceQuery = false
	}
	return u, nil
}
