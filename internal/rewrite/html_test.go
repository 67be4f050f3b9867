package rewrite

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

func copyHTML(t *testing.T, r *Rewriter, in string) (string, Stats) {
	t.Helper()
	var out bytes.Buffer
	stats, err := r.Copy(&out, strings.NewReader(in))
	require.NoError(t, err)
	return out.String(), stats
}

func TestCopy_Scenario(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/page.html"), SingleEndpoint("/proxy"), WithFormTarget(false))
	in := `<html><head><link rel="stylesheet" href="/a"><script src="https://example.com/b.js"></script></head>` +
		`<body><form action="./c" method="post"><input name="q"></form></body></html>`

	out, stats := copyHTML(t, r, in)

	assert.Contains(t, out, `href="/proxy?url=https%3A%2F%2Fexample.com%2Fa"`)
	assert.Contains(t, out, `src="/proxy?url=https%3A%2F%2Fexample.com%2Fb.js"`)
	assert.Contains(t, out, `action="/proxy?url=https%3A%2F%2Fexample.com%2Fdir%2Fc"`)
	assert.Equal(t, 3, stats.Rewritten)
	assert.Equal(t, 0, stats.Skipped)
}

func TestCopy_UntouchedMarkupIsByteIdentical(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	in := "<!DOCTYPE html>\n<HTML Lang='en'><!-- a comment with href=\"/x\" -->\n" +
		"<P CLASS=intro data-x = 'y'>Hello &amp; welcome</P>\n" +
		"<img alt=\"no source\"><br/></HTML>"

	out, stats := copyHTML(t, r, in)

	assert.Equal(t, in, out)
	assert.Equal(t, Stats{}, stats)
}

func TestCopy_ScriptAndStyleTextNotRewritten(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	in := `<script>var s = '<a href="/inside">x</a>'; fetch("/api");</script>` +
		`<style>a[href="/x"] { color: red }</style>` +
		`<textarea><a href="/t"></textarea>` +
		`<a href="/outside">o</a>`

	out, stats := copyHTML(t, r, in)

	assert.Contains(t, out, `var s = '<a href="/inside">x</a>'; fetch("/api");`)
	assert.Contains(t, out, `a[href="/x"] { color: red }`)
	assert.Contains(t, out, `<textarea><a href="/t"></textarea>`)
	assert.Contains(t, out, `<a href="/proxy?url=https%3A%2F%2Fexample.com%2Foutside">`)
	assert.Equal(t, 1, stats.Rewritten)
}

func TestCopy_UnparseableLeftIdentical(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	in := `<a href="javascript:void(0)">j</a><a href="mailto:x@example.com">m</a>` +
		`<a href="%zz">bad</a><img src=""><a href="https://">empty host</a>`

	out, stats := copyHTML(t, r, in)

	assert.Equal(t, in, out)
	assert.Equal(t, 0, stats.Rewritten)
	assert.Equal(t, 5, stats.Skipped)
}

func TestCopy_Idempotent(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/page.html"), SingleEndpoint("/proxy"), WithFormTarget(false))
	in := `<a href="/a">a</a><img src="x.png"><form action="../s"></form>`

	once, _ := copyHTML(t, r, in)
	twice, stats := copyHTML(t, r, once)

	assert.Equal(t, once, twice)
	assert.Equal(t, Stats{}, stats)
}

func TestCopy_OtherAttributesPreserved(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	in := `<a class="nav main" title='Tom &amp; "Jerry"' href="/home" disabled>home</a>`

	out, _ := copyHTML(t, r, in)

	z := html.NewTokenizer(strings.NewReader(out))
	require.Equal(t, html.StartTagToken, z.Next())
	tok := z.Token()
	attrs := map[string]string{}
	for _, a := range tok.Attr {
		attrs[a.Key] = a.Val
	}
	assert.Equal(t, "nav main", attrs["class"])
	assert.Equal(t, `Tom & "Jerry"`, attrs["title"])
	assert.Equal(t, "/proxy?url=https%3A%2F%2Fexample.com%2Fhome", attrs["href"])
	assert.Contains(t, attrs, "disabled")
}

func TestCopy_SelfClosingTag(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<img src="/i.png"/>`)

	assert.Equal(t, `<img src="/proxy?url=https%3A%2F%2Fexample.com%2Fi.png"/>`, out)
}

func TestCopy_BaseElement(t *testing.T) {
	r := New(mustParse(t, "https://example.com/a/page.html"), SingleEndpoint("/proxy"))
	in := `<head><base href="https://cdn.example.net/assets/" target="_blank"><base href="/ignored/"></head>` +
		`<img src="logo.png"><a href="/root">r</a>`

	out, _ := copyHTML(t, r, in)

	assert.Contains(t, out, `<base target="_blank">`)
	assert.NotContains(t, out, `ignored`)
	assert.Contains(t, out, `src="/proxy?url=https%3A%2F%2Fcdn.example.net%2Fassets%2Flogo.png"`)
	assert.Contains(t, out, `href="/proxy?url=https%3A%2F%2Fcdn.example.net%2Froot"`)
}

func TestCopy_RelativeBaseElement(t *testing.T) {
	r := New(mustParse(t, "https://example.com/a/page.html"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<base href="../b/"><a href="c">c</a>`)

	assert.Contains(t, out, `href="/proxy?url=https%3A%2F%2Fexample.com%2Fb%2Fc"`)
}

func TestCopy_MetaRefresh(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), Endpoints{Navigate: "/browse", Resource: "/proxy"})

	out, stats := copyHTML(t, r, `<meta http-equiv="Refresh" content="5; URL='/next'">`)

	assert.Equal(t, `<meta http-equiv="Refresh" content="5; url=/browse?url=https%3A%2F%2Fexample.com%2Fnext">`, out)
	assert.Equal(t, 1, stats.Rewritten)
}

func TestCopy_MetaRefreshForms(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/"), SingleEndpoint("/proxy"))

	tests := []struct {
		content string
		want    string
	}{
		{"0; https://evil.example/", "0; url=/proxy?url=https%3A%2F%2Fevil.example%2F"},
		{"0,https://evil.example/", "0; url=/proxy?url=https%3A%2F%2Fevil.example%2F"},
		{"3 ; URL = \"next.html\"", "3; url=/proxy?url=https%3A%2F%2Fexample.com%2Fdir%2Fnext.html"},
		{"1.5;url=/top", "1.5; url=/proxy?url=https%3A%2F%2Fexample.com%2Ftop"},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			out, stats := copyHTML(t, r, `<meta http-equiv="refresh" content="`+html.EscapeString(tt.content)+`">`)

			assert.Equal(t, `<meta http-equiv="refresh" content="`+tt.want+`">`, out)
			assert.Equal(t, 1, stats.Rewritten)
		})
	}
}

func TestCopy_MetaRefreshWithoutLinkUntouched(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	for _, in := range []string{
		`<meta http-equiv="refresh" content="30">`,
		`<meta http-equiv="refresh" content="5; url=/proxy?url=https%3A%2F%2Fexample.com%2F">`,
	} {
		out, _ := copyHTML(t, r, in)
		assert.Equal(t, in, out)
	}
}

func TestCopy_MetaWithoutRefreshUntouched(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	in := `<meta name="description" content="url=/not-a-link">`

	out, _ := copyHTML(t, r, in)

	assert.Equal(t, in, out)
}

func TestCopy_GetFormTarget(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/page.html"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<form action="/search?src=home#results"><input name="q"></form>`)

	assert.Contains(t, out, `<form action="/proxy?url=https%3A%2F%2Fexample.com%2Fsearch%3Fsrc%3Dhome%23results">`+
		`<input type="hidden" name="url" value="https://example.com/search">`)
}

func TestCopy_GetFormWithoutAction(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/page.html?x=1"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<form method="GET"><input name="q"></form>`)

	assert.Equal(t, `<form method="GET"><input type="hidden" name="url" value="https://example.com/dir/page.html"><input name="q"></form>`, out)
}

func TestCopy_GetFormTargetIdempotent(t *testing.T) {
	r := New(mustParse(t, "https://example.com/dir/page.html"), SingleEndpoint("/proxy"))

	for _, in := range []string{
		`<form><input name="q"></form>`,
		`<form action="/search"><input name="q"></form>`,
	} {
		once, _ := copyHTML(t, r, in)
		twice, _ := copyHTML(t, r, once)

		assert.Equal(t, once, twice)
		assert.Equal(t, 1, strings.Count(twice, `name="url"`), twice)
	}
}

func TestCopy_GetFormTargetAtEOF(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<form>`)

	assert.Equal(t, `<form><input type="hidden" name="url" value="https://example.com/">`, out)
}

func TestCopy_PostFormHasNoTarget(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `<form method="post" action="/login"></form>`)

	assert.NotContains(t, out, `type="hidden"`)
	assert.Contains(t, out, `action="/proxy?url=https%3A%2F%2Fexample.com%2Flogin"`)
}

func TestCopy_CustomPolicy(t *testing.T) {
	policy := PolicyFunc(func(tag, attr string) (LinkKind, bool) {
		return Resource, tag == "div" && attr == "data-src"
	})
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"), WithPolicy(policy))

	out, _ := copyHTML(t, r, `<div data-src="/lazy.png"></div><a href="/a">a</a>`)

	assert.Contains(t, out, `data-src="/proxy?url=https%3A%2F%2Fexample.com%2Flazy.png"`)
	assert.Contains(t, out, `<a href="/a">`)
}

func TestCopy_StreamsSmallReads(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	var in strings.Builder
	for range 200 {
		in.WriteString(`<p>paragraph</p><a href="/x">x</a>`)
	}

	var out bytes.Buffer
	_, err := r.Copy(&out, iotest.OneByteReader(strings.NewReader(in.String())))
	require.NoError(t, err)

	assert.Equal(t, 200, strings.Count(out.String(), `<a href="/proxy?url=https%3A%2F%2Fexample.com%2Fx">`))
	assert.Equal(t, 200, strings.Count(out.String(), `<p>paragraph</p>`))
}

func TestCopy_PreservesOrder(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	out, _ := copyHTML(t, r, `one<a href="/1">1</a>two<a href="/2">2</a>three`)

	i1 := strings.Index(out, "one")
	i2 := strings.Index(out, "%2F1")
	i3 := strings.Index(out, "two")
	i4 := strings.Index(out, "%2F2")
	i5 := strings.Index(out, "three")
	assert.True(t, i1 < i2 && i2 < i3 && i3 < i4 && i4 < i5, "output reordered: %s", out)
}

func TestCopy_TokenTooLarge(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"), WithMaxTokenBytes(64))

	var out bytes.Buffer
	_, err := r.Copy(&out, strings.NewReader(`<p>`+strings.Repeat("x", 1024)+`</p>`))

	require.Error(t, err)
	assert.True(t, errors.Is(err, html.ErrBufferExceeded))
}

func TestCopy_ReadError(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))
	boom := errors.New("connection reset")

	src := io.MultiReader(strings.NewReader(`<a href="/a">a</a>`), iotest.ErrReader(boom))
	var out bytes.Buffer
	_, err := r.Copy(&out, src)

	require.ErrorIs(t, err, boom)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("client gone") }

func TestCopy_WriteError(t *testing.T) {
	r := New(mustParse(t, "https://example.com/"), SingleEndpoint("/proxy"))

	_, err := r.Copy(failingWriter{}, strings.NewReader(`<p>hi</p>`))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "client gone")
}
