// Package bridge carries predicted routes from the server to the page.
//
// The producer puts a small JSON array in a sideband slot: the
// X-Predicted-Routes header, the request context, or a data island in the
// HTML document. Every slot is best-effort and absent by default, so readers
// treat anything they cannot decode as "no predictions".
package bridge

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	HeaderName = "X-Predicted-Routes"
	// IslandID is the id of the script element holding the payload.
	IslandID = "__PREDICTED_ROUTES__"
	// MaxRoutes bounds every payload, on write and on read.
	MaxRoutes = 3
)

// Encode renders routes as the JSON payload, or "" when there is nothing to send.
// json.Marshal escapes <, > and &, so the payload is safe inside a script element.
func Encode(routes []string) string {
	routes = clean(routes)
	if len(routes) == 0 {
		return ""
	}
	b, err := json.Marshal(routes)
	if err != nil {
		return ""
	}
	return string(b)
}

// ParsePayload decodes a payload. Malformed input yields nil.
func ParsePayload(payload string) []string {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var routes []string
	if err := json.Unmarshal([]byte(payload), &routes); err != nil {
		return nil
	}
	return clean(routes)
}

// SetHeader sets the prediction header if there are routes to send.
func SetHeader(h http.Header, routes []string) bool {
	payload := Encode(routes)
	if payload == "" {
		return false
	}
	h.Set(HeaderName, payload)
	return true
}

func FromHeader(h http.Header) []string {
	return ParsePayload(h.Get(HeaderName))
}

type contextKey struct{}

// NewContext hands predictions to renderers running in the same process.
func NewContext(ctx context.Context, routes []string) context.Context {
	return context.WithValue(ctx, contextKey{}, clean(routes))
}

func FromContext(ctx context.Context) []string {
	routes, _ := ctx.Value(contextKey{}).([]string)
	return routes
}

// DataIsland renders the inert script element a page embeds for the client
// executor. It is empty when there are no routes.
func DataIsland(routes []string) template.HTML {
	payload := Encode(routes)
	if payload == "" {
		return ""
	}
	return template.HTML(`<script id="` + IslandID + `" type="application/json">` + payload + `</script>`)
}

// ReadDataIsland finds the data island in an HTML document and decodes it.
func ReadDataIsland(r io.Reader) []string {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return nil
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			if atom.Lookup(name) != atom.Script || !hasAttr || !isIsland(z) {
				continue
			}
			if z.Next() != html.TextToken {
				return nil
			}
			return ParsePayload(string(z.Text()))
		}
	}
}

func isIsland(z *html.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "id" && string(val) == IslandID {
			return true
		}
		if !more {
			return false
		}
	}
}

// clean drops empty and repeated routes and caps the list at MaxRoutes.
func clean(routes []string) []string {
	out := make([]string, 0, MaxRoutes)
	seen := make(map[string]bool, len(routes))
	for _, route := range routes {
		if route == "" || seen[route] {
			continue
		}
		seen[route] = true
		out = append(out, route)
		if len(out) == MaxRoutes {
			break
		}
	}
	return out
}
