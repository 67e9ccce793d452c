package responsetransformer

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/always-prefetch/pkg/bridge"
)

const page = `<!doctype html><html><body><h1>Shop</h1></body></html>`

func htmlResponse(path, body string) *http.Response {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	return &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": {"text/html; charset=utf-8"}, "Etag": {`"abc"`}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func TestInjectDataIsland(t *testing.T) {
	out, ok := InjectDataIsland([]byte(page), []string{"/category/1"})
	require.True(t, ok)
	assert.Equal(t,
		`<!doctype html><html><body><h1>Shop</h1>`+string(bridge.DataIsland([]string{"/category/1"}))+`</body></html>`,
		string(out))
	assert.Equal(t, []string{"/category/1"}, bridge.ReadDataIsland(strings.NewReader(string(out))))
}

func TestInjectDataIslandEdgeCases(t *testing.T) {
	_, ok := InjectDataIsland([]byte(page), nil)
	assert.False(t, ok, "no routes")

	out, ok := InjectDataIsland([]byte("<p>fragment</p>"), []string{"/"})
	assert.True(t, ok)
	assert.True(t, strings.HasPrefix(string(out), "<p>fragment</p><script"), "appended without body tag")

	upper := []byte("<HTML><BODY>x</BODY></HTML>")
	out, ok = InjectDataIsland(upper, []string{"/"})
	assert.True(t, ok)
	assert.True(t, strings.HasSuffix(string(out), "</script></BODY></HTML>"))

	again, ok := InjectDataIsland(out, []string{"/profile"})
	assert.False(t, ok, "already has an island")
	assert.Equal(t, out, again)
}

func TestEligible(t *testing.T) {
	html := http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	assert.True(t, Eligible(http.StatusOK, html))
	assert.False(t, Eligible(http.StatusNotFound, html))
	assert.False(t, Eligible(http.StatusOK, http.Header{"Content-Type": {"application/json"}}))
	assert.False(t, Eligible(http.StatusOK, http.Header{}))
	assert.False(t, Eligible(http.StatusOK, http.Header{
		"Content-Type":     {"text/html"},
		"Content-Encoding": {"gzip"},
	}))
}

func TestApply(t *testing.T) {
	rules := Rules{{Prefix: "/product/", CacheControl: "private, max-age=0"}}
	res := htmlResponse("/product/3", page)

	injected, err := rules.Apply(res, []string{"/product/4"})
	require.NoError(t, err)
	require.True(t, injected)

	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), bridge.IslandID)
	assert.EqualValues(t, len(body), res.ContentLength)
	assert.Equal(t, "private, max-age=0", res.Header.Get("Cache-Control"))
	assert.Empty(t, res.Header.Get("Etag"))
}

func TestApplySkips(t *testing.T) {
	rules := Rules{{Path: "/checkout", Skip: true}}

	tests := map[string]*http.Response{
		"skipped path": htmlResponse("/checkout", page),
		"no html":      {StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("{}")), Request: httptest.NewRequest(http.MethodGet, "/", nil)},
	}
	for name, res := range tests {
		t.Run(name, func(t *testing.T) {
			injected, err := rules.Apply(res, []string{"/"})
			assert.NoError(t, err)
			assert.False(t, injected)
		})
	}

	res := htmlResponse("/", page)
	injected, _ := rules.Apply(res, nil)
	assert.False(t, injected, "no routes")
}

func TestApplyLeavesLargeDocuments(t *testing.T) {
	big := "<html><body>" + strings.Repeat("x", MaxBodySize) + "</body></html>"
	res := htmlResponse("/", big)
	res.ContentLength = -1

	injected, err := Rules{}.Apply(res, []string{"/"})
	require.NoError(t, err)
	assert.False(t, injected)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, big, string(body))
}

func TestAllowed(t *testing.T) {
	rules := Rules{{Prefix: "/admin", Skip: true}, {Prefix: "/", CacheControl: "private"}}
	assert.False(t, rules.Allowed("/admin/users"))
	assert.True(t, rules.Allowed("/category/1"))
	assert.True(t, Rules(nil).Allowed("/"))
}
