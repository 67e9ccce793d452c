// Package visitlog keeps a visitor's recent routes in a client-held cookie.
//
// The server never stores the log. Each tracked request reads the token,
// appends the current route and hands back a rewritten token.
package visitlog

import (
	"net/http"
	"time"
)

const (
	CookieName = "aprefetch-visits"
	// DefaultCap is the longest log kept; older entries are evicted first.
	DefaultCap = 10
	// DefaultWindow is how many recent routes feed a prediction.
	DefaultWindow = 5
	DefaultMaxAge = time.Hour
	// MaxRouteLength keeps a full log within the 4KB cookie limit.
	MaxRouteLength = 256
)

type Tracker struct {
	// PlainCodec if nil.
	Codec Codec
	// DefaultCap if zero.
	Cap int
	// DefaultWindow if zero.
	Window int
	// DefaultMaxAge if zero.
	MaxAge time.Duration
	// CookieName if empty.
	CookieName string
	Secure     bool
}

// NewTracker returns a tracker with default limits. A non-empty secret
// selects signed tokens.
func NewTracker(secret []byte) *Tracker {
	t := &Tracker{}
	if len(secret) > 0 {
		t.Codec = SignedCodec{Key: secret}
	}
	return t
}

// Track appends route to the log carried by token. It returns the context
// window for prediction, which ends with route, and the token to send back.
// An unreadable token counts as an empty log. next is empty only if the log
// could not be encoded.
func (t *Tracker) Track(token, route string) (window []string, next string) {
	log := Append(t.Decode(token), route, t.capacity())
	next, err := t.codec().Encode(log)
	if err != nil {
		next = ""
	}
	return Window(log, t.window()), next
}

// Decode returns the log carried by token, empty when it cannot be read.
func (t *Tracker) Decode(token string) []string {
	if token == "" {
		return []string{}
	}
	log, err := t.codec().Decode(token)
	if err != nil {
		return []string{}
	}
	clean := make([]string, 0, len(log))
	for _, route := range log {
		if valid(route) {
			clean = append(clean, route)
		}
	}
	return Window(clean, t.capacity())
}

// Read returns the token of the request's visit cookie, or "".
func (t *Tracker) Read(r *http.Request) string {
	c, err := r.Cookie(t.cookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

// Cookie wraps a token produced by Track.
func (t *Tracker) Cookie(token string) *http.Cookie {
	maxAge := t.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &http.Cookie{
		Name:     t.cookieName(),
		Value:    token,
		Path:     "/",
		MaxAge:   int(maxAge / time.Second),
		HttpOnly: true,
		Secure:   t.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// Append returns a new log with route added, keeping the newest max entries.
// Empty or over-long routes are not recorded. log is not modified.
func Append(log []string, route string, max int) []string {
	next := make([]string, 0, len(log)+1)
	next = append(next, log...)
	if valid(route) {
		next = append(next, route)
	}
	return Window(next, max)
}

// Window returns a copy of the last k entries of log.
func Window(log []string, k int) []string {
	if k <= 0 {
		return []string{}
	}
	if len(log) > k {
		log = log[len(log)-k:]
	}
	out := make([]string, len(log))
	copy(out, log)
	return out
}

func valid(route string) bool {
	return route != "" && len(route) <= MaxRouteLength
}

func (t *Tracker) codec() Codec {
	if t.Codec != nil {
		return t.Codec
	}
	return PlainCodec{}
}

func (t *Tracker) capacity() int {
	if t.Cap > 0 {
		return t.Cap
	}
	return DefaultCap
}

func (t *Tracker) window() int {
	if t.Window > 0 {
		return t.Window
	}
	return DefaultWindow
}

func (t *Tracker) cookieName() string {
	if t.CookieName != "" {
		return t.CookieName
	}
	return CookieName
}
