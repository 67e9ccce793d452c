package alwaysprefetch

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/always-cache/always-prefetch/pkg/bridge"
	"github.com/always-cache/always-prefetch/prediction"
	"github.com/always-cache/always-prefetch/prewarm"
	"github.com/always-cache/always-prefetch/store"
)

const (
	// AdminPath is where the admin endpoints are mounted.
	AdminPath = "/.aprefetch"
	// AdminPrefix is never tracked.
	AdminPrefix = AdminPath + "/"
)

// DefaultSkipPrefixes are asset and API paths that are not page navigations.
var DefaultSkipPrefixes = []string{"/_next/", "/api/", "/static/", "/favicon.ico", AdminPrefix}

const (
	SessionCookieName = "aprefetch-sid"
	sessionMaxAge     = 30 * time.Minute
)

// navigation is the outcome of the pipeline for one request.
type navigation struct {
	// request to forward, carrying the predictions when tracked
	r       *http.Request
	tracked bool
	session string
	routes  []string
	source  prediction.Source
}

// intercept records the navigation, predicts the next routes and hands them
// to the bridge and the prewarmer. Untracked requests come back unchanged.
func (a *AlwaysPrefetch) intercept(w http.ResponseWriter, r *http.Request) (nav navigation) {
	nav.r = r
	if !a.tracked(r) {
		return nav
	}

	// escape hatch: never fail a navigation because of the pipeline
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error().Interface("panic", rec).Str("url", r.URL.String()).Msg("Prefetch pipeline failed, forwarding request unmodified")
			w.Header().Del(bridge.HeaderName)
			nav = navigation{r: r}
		}
	}()

	route := r.URL.Path
	session := a.session(r)
	http.SetCookie(w, a.sessionCookie(session))

	window, next := a.tracker.Track(a.tracker.Read(r), route)
	if next != "" {
		http.SetCookie(w, a.tracker.Cookie(next))
	}
	a.metrics.RecordVisit()

	res := a.predictions.Predict(r.Context(), window)

	out := r.Clone(bridge.NewContext(r.Context(), res.Routes))
	// a client must not be able to inject predictions for the origin
	out.Header.Del(bridge.HeaderName)
	if bridge.SetHeader(w.Header(), res.Routes) {
		bridge.SetHeader(out.Header, res.Routes)
		a.metrics.RecordBridge("header")
		if a.prewarmer != nil {
			a.prewarmer.Prewarm(res.Routes, a.prewarmBase(r))
		}
	}

	a.record(r, session, route, window, res)

	return navigation{
		r:       out,
		tracked: true,
		session: session,
		routes:  res.Routes,
		source:  res.Source,
	}
}

// tracked reports whether r is a page navigation that feeds the pipeline.
// Probes sent by the prewarmer and speculative browser requests are not.
func (a *AlwaysPrefetch) tracked(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if strings.Contains(r.UserAgent(), prewarm.UserAgent) {
		return false
	}
	if isSpeculative(r.Header) {
		return false
	}
	for _, prefix := range a.skipPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return false
		}
	}
	// fetch() and XHR send */*, navigations ask for HTML
	if accept := r.Header.Get("Accept"); accept != "" &&
		!strings.Contains(accept, "text/html") && !strings.Contains(accept, "*/*") {
		return false
	}
	return true
}

func isSpeculative(h http.Header) bool {
	if strings.EqualFold(h.Get("Purpose"), "prefetch") || strings.EqualFold(h.Get("X-Moz"), "prefetch") {
		return true
	}
	if strings.Contains(strings.ToLower(h.Get("Sec-Purpose")), "prefetch") {
		return true
	}
	return h.Get("Next-Router-Prefetch") != ""
}

// session returns the session id of the request, or a new one.
func (a *AlwaysPrefetch) session(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		if id, err := uuid.Parse(c.Value); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

// sessionCookie is refreshed on every navigation, so a session ends after
// sessionMaxAge of inactivity.
func (a *AlwaysPrefetch) sessionCookie(session string) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    session,
		Path:     "/",
		MaxAge:   int(sessionMaxAge / time.Second),
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func (a *AlwaysPrefetch) prewarmBase(r *http.Request) string {
	if a.prewarmURL != "" {
		return a.prewarmURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// record hands the navigation to the clickstream recorder without blocking.
func (a *AlwaysPrefetch) record(r *http.Request, session, route string, window []string, res prediction.Result) {
	if a.recorder == nil {
		return
	}
	now := time.Now()
	var userID string
	if a.userIDHeader != "" {
		userID = r.Header.Get(a.userIDHeader)
	}
	a.recorder.RecordVisit(store.Visit{
		SessionID: session,
		UserID:    userID,
		Route:     route,
		Timestamp: now,
	})
	if res.Source == prediction.SourceNone {
		return
	}
	a.recorder.RecordPrediction(store.Prediction{
		ID:        uuid.NewString(),
		SessionID: session,
		Context:   window,
		Routes:    res.Routes,
		Source:    string(res.Source),
		Latency:   res.Latency,
		CreatedAt: now,
	})
}
