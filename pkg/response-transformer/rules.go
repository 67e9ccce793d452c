package responsetransformer

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/always-cache/always-prefetch/pkg/bridge"
)

// MaxBodySize is the largest HTML body that will be rewritten.
const MaxBodySize = 4 << 20

// Rules select the documents that get a prediction data island.
// Paths without a matching rule are eligible.
type Rules []Rule

type Rule struct {
	Prefix string `yaml:"prefix"`
	Path   string `yaml:"path"`
	// Skip leaves matching documents untouched.
	Skip bool `yaml:"skip"`
	// CacheControl replaces the header of documents that were personalised.
	CacheControl string `yaml:"cacheControl"`
}

// Allowed reports whether documents at path may be personalised.
func (r Rules) Allowed(path string) bool {
	rule := r.find(path)
	return rule == nil || !rule.Skip
}

// Eligible reports whether a response is an uncompressed HTML document that
// can be rewritten.
func Eligible(status int, header http.Header) bool {
	if status != http.StatusOK {
		return false
	}
	if enc := header.Get("Content-Encoding"); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(header.Get("Content-Type"))
	return err == nil && mediaType == "text/html"
}

// Apply injects the data island into a proxied response when the response
// and its path allow it. It reports whether the body was changed.
func (r Rules) Apply(res *http.Response, routes []string) (bool, error) {
	if len(routes) == 0 || res.Request == nil || res.Request.Method != http.MethodGet {
		return false, nil
	}
	if !Eligible(res.StatusCode, res.Header) || !r.Allowed(res.Request.URL.Path) {
		return false, nil
	}
	if res.ContentLength > MaxBodySize {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, MaxBodySize+1))
	if err != nil {
		return false, err
	}
	if len(body) > MaxBodySize {
		log.Trace().Str("path", res.Request.URL.Path).Msg("Document too large for data island")
		res.Body = readCloser{io.MultiReader(bytes.NewReader(body), res.Body), res.Body}
		return false, nil
	}
	res.Body.Close()

	out, injected := InjectDataIsland(body, routes)
	res.Body = io.NopCloser(bytes.NewReader(out))
	res.ContentLength = int64(len(out))
	res.Header.Set("Content-Length", strconv.Itoa(len(out)))
	if injected {
		r.Personalise(res.Request.URL.Path, res.Header)
	}
	return injected, nil
}

// Personalise applies the Cache-Control rule for a document that now carries
// visitor-specific predictions.
func (r Rules) Personalise(path string, header http.Header) {
	// the ETag belongs to the unmodified document
	header.Del("ETag")
	if rule := r.find(path); rule != nil && rule.CacheControl != "" {
		log.Trace().Str("path", path).Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.CacheControl)
	}
}

// InjectDataIsland places the data island right before </body>, or at the end
// of the document when there is no closing body tag. Documents that already
// carry an island, and empty route lists, are returned unchanged.
func InjectDataIsland(body []byte, routes []string) ([]byte, bool) {
	island := bridge.DataIsland(routes)
	if island == "" || bytes.Contains(body, []byte(bridge.IslandID)) {
		return body, false
	}
	at := lastIndexFold(body, []byte("</body"))
	if at < 0 {
		at = len(body)
	}
	out := make([]byte, 0, len(body)+len(island))
	out = append(out, body[:at]...)
	out = append(out, island...)
	out = append(out, body[at:]...)
	return out, true
}

func (r Rules) find(path string) *Rule {
	log.Trace().Msgf("Finding transform rule for %s", path)
	for _, rule := range r {
		if rule.Path != "" && rule.Path != path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(path, rule.Prefix) {
			continue
		}
		return &rule
	}
	return nil
}

// lastIndexFold is bytes.LastIndex ignoring ASCII case; sep must be lower case.
func lastIndexFold(s, sep []byte) int {
	lower := make([]byte, len(s))
	for i, c := range s {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	return bytes.LastIndex(lower, sep)
}

type readCloser struct {
	io.Reader
	io.Closer
}
