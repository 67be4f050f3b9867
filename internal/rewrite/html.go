package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"rewrite-proxy/internal/target"
)

// Stats counts link attributes seen during one Copy.
type Stats struct {
	Rewritten int
	Skipped   int
}

// Copy streams the HTML document in src to dst, rewriting link-bearing
// attributes as it goes. Tokens without links are written byte for byte;
// only tags with a changed attribute are re-serialized. Text inside script
// and style elements is never inspected.
//
// A link that cannot be resolved is left as it was and counted in
// Stats.Skipped. Errors come only from reading src, writing dst or a token
// exceeding the configured size limit.
func (r *Rewriter) Copy(dst io.Writer, src io.Reader) (Stats, error) {
	z := html.NewTokenizer(src)
	if r.maxBuf > 0 {
		z.SetMaxBuf(r.maxBuf)
	}

	p := &pass{r: r, base: r.base, w: dst}
	var raw []byte
	for {
		tt := z.Next()
		// Raw must be copied first: TagName and TagAttr lower-case and
		// unescape the tokenizer's buffer in place.
		raw = append(raw[:0], z.Raw()...)

		var err error
		switch tt {
		case html.ErrorToken:
			if zerr := z.Err(); !errors.Is(zerr, io.EOF) {
				return p.stats, fmt.Errorf("tokenize html: %w", zerr)
			}
			return p.stats, p.write(raw)
		case html.StartTagToken, html.SelfClosingTagToken:
			err = p.tag(z, tt, raw)
		default:
			err = p.write(raw)
		}
		if err != nil {
			return p.stats, err
		}
	}
}

// pass holds the state of one Copy.
type pass struct {
	r       *Rewriter
	base    *url.URL
	baseSet bool
	w       io.Writer
	stats   Stats
	buf     bytes.Buffer

	// field is a hidden target input waiting to be written after a GET
	// form start tag. It is dropped when the form already starts with one.
	field string
}

func (p *pass) write(b []byte) error {
	if p.field != "" {
		field := p.field
		p.field = ""
		if err := p.write([]byte(field)); err != nil {
			return err
		}
	}
	if len(b) == 0 {
		return nil
	}
	if _, err := p.w.Write(b); err != nil {
		return fmt.Errorf("write html: %w", err)
	}
	return nil
}

func (p *pass) tag(z *html.Tokenizer, tt html.TokenType, raw []byte) error {
	name, hasAttr := z.TagName()
	tag := string(name)

	var attrs []html.Attribute
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		attrs = append(attrs, html.Attribute{Key: string(key), Val: string(val)})
	}

	if p.field != "" && tag == "input" && isTargetField(attrs) {
		p.field = ""
	}

	changed := false
	switch tag {
	case "base":
		attrs, changed = p.setBase(attrs)
	case "meta":
		changed = p.metaRefresh(attrs)
	}

	// The hidden target field uses the action as written, before rewriting.
	var formTarget string
	if tag == "form" && tt == html.StartTagToken && p.r.formTarget {
		formTarget = p.formTarget(attrs)
	}

	for i := range attrs {
		kind, ok := p.r.policy.LinkKind(tag, attrs[i].Key)
		if !ok {
			continue
		}
		if out, ok := p.link(attrs[i].Val, kind); ok {
			attrs[i].Val = out
			changed = true
		}
	}

	if changed {
		if err := p.writeTag(tt, tag, attrs); err != nil {
			return err
		}
	} else if err := p.write(raw); err != nil {
		return err
	}

	if formTarget != "" {
		p.field = `<input type="hidden" name="` + target.Param + `" value="` + html.EscapeString(formTarget) + `">`
	}
	return nil
}

// isTargetField reports whether an input is a hidden field named like the
// target parameter, as emitted after a rewritten GET form.
func isTargetField(attrs []html.Attribute) bool {
	hidden, named := false, false
	for _, a := range attrs {
		switch a.Key {
		case "type":
			hidden = strings.EqualFold(strings.TrimSpace(a.Val), "hidden")
		case "name":
			named = a.Val == target.Param
		}
	}
	return hidden && named
}

// link rewrites one attribute value. It reports false when the value must be
// left untouched.
func (p *pass) link(value string, kind LinkKind) (string, bool) {
	if p.r.isProxied(value) {
		return value, false
	}
	out, err := p.r.rewriteAgainst(p.base, value, kind)
	if err != nil {
		p.stats.Skipped++
		return value, false
	}
	p.stats.Rewritten++
	return out, true
}

// setBase adopts the first <base href> as the document base and drops the
// attribute, so the browser keeps resolving against the proxy origin.
func (p *pass) setBase(attrs []html.Attribute) ([]html.Attribute, bool) {
	out := attrs[:0]
	changed := false
	for _, a := range attrs {
		if a.Key != "href" {
			out = append(out, a)
			continue
		}
		changed = true
		if p.baseSet {
			continue
		}
		p.baseSet = true
		if abs, err := resolve(p.base, a.Val); err == nil {
			if u, err := url.Parse(abs); err == nil {
				p.base = u
			}
		}
	}
	return out, changed
}

// metaRefresh rewrites the url part of <meta http-equiv="refresh">. The
// content is "<delay>[;|,] [url=]<link>"; the url= prefix and quotes are
// optional. A rewritten value is written as "<delay>; url=<proxy url>".
func (p *pass) metaRefresh(attrs []html.Attribute) bool {
	refresh := false
	content := -1
	for i, a := range attrs {
		switch a.Key {
		case "http-equiv":
			refresh = strings.EqualFold(strings.TrimSpace(a.Val), "refresh")
		case "content":
			content = i
		}
	}
	if !refresh || content < 0 {
		return false
	}

	delay, link, ok := parseRefresh(attrs[content].Val)
	if !ok {
		return false
	}
	out, ok := p.link(link, Navigation)
	if !ok {
		return false
	}
	attrs[content].Val = delay + "; url=" + out
	return true
}

// parseRefresh splits a refresh content value into its delay and link.
func parseRefresh(val string) (delay, link string, ok bool) {
	s := strings.TrimLeft(val, htmlSpace)
	end := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if end < 0 {
		end = len(s)
	}
	if end == 0 {
		return "", "", false
	}
	delay, s = s[:end], strings.TrimLeft(s[end:], htmlSpace)
	if s != "" && (s[0] == ';' || s[0] == ',') {
		s = strings.TrimLeft(s[1:], htmlSpace)
	}
	if hasPrefixFold(s, "url") {
		if rest := strings.TrimLeft(s[len("url"):], htmlSpace); strings.HasPrefix(rest, "=") {
			s = strings.TrimLeft(rest[1:], htmlSpace)
		}
	}
	if s != "" && (s[0] == '\'' || s[0] == '"') {
		q := s[0]
		s = s[1:]
		if i := strings.IndexByte(s, q); i >= 0 {
			s = s[:i]
		}
	}
	link = strings.TrimRight(s, htmlSpace)
	if link == "" {
		return "", "", false
	}
	return delay, link, true
}

const htmlSpace = " \t\n\f\r"

// formTarget returns the value of the hidden target field for a GET form,
// or "" for other forms. Browsers replace the action's query with the form
// fields, so the field carries the action without query or fragment.
func (p *pass) formTarget(attrs []html.Attribute) string {
	action := ""
	for _, a := range attrs {
		switch a.Key {
		case "method":
			if m := strings.TrimSpace(a.Val); m != "" && !strings.EqualFold(m, "get") {
				return ""
			}
		case "action":
			action = a.Val
		}
	}

	u := *p.base
	if strings.TrimSpace(action) != "" {
		if p.r.isProxied(action) {
			return ""
		}
		abs, err := resolve(p.base, action)
		if err != nil {
			return ""
		}
		parsed, err := url.Parse(abs)
		if err != nil {
			return ""
		}
		u = *parsed
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String()
}

func (p *pass) writeTag(tt html.TokenType, tag string, attrs []html.Attribute) error {
	p.buf.Reset()
	p.buf.WriteByte('<')
	p.buf.WriteString(tag)
	for _, a := range attrs {
		p.buf.WriteByte(' ')
		p.buf.WriteString(a.Key)
		p.buf.WriteString(`="`)
		p.buf.WriteString(html.EscapeString(a.Val))
		p.buf.WriteByte('"')
	}
	if tt == html.SelfClosingTagToken {
		p.buf.WriteString("/>")
	} else {
		p.buf.WriteByte('>')
	}
	return p.write(p.buf.Bytes())
}
