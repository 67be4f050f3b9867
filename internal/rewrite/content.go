package rewrite

import "strings"

// IsHTML reports whether a Content-Type header value declares an HTML document.
// Parameters after ';' are ignored and the comparison is case-insensitive.
// An empty value is not HTML.
func IsHTML(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/html")
}
