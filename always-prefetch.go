package alwaysprefetch

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/always-prefetch/metrics"
	"github.com/always-cache/always-prefetch/pkg/bridge"
	responsetransformer "github.com/always-cache/always-prefetch/pkg/response-transformer"
	tee "github.com/always-cache/always-prefetch/pkg/response-writer-tee"
	visitlog "github.com/always-cache/always-prefetch/pkg/visit-log"
	"github.com/always-cache/always-prefetch/prediction"
	"github.com/always-cache/always-prefetch/prewarm"
	"github.com/always-cache/always-prefetch/store"
)

type Config struct {
	// URL of the origin server. Only used by ServeHTTP.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Base URL prewarm probes are sent to. Defaults to the origin URL,
	// or to the host of the incoming request when there is no origin.
	PrewarmURL string
	// Prediction service. A service without a model (rules only) if nil.
	Predictions *prediction.Service
	// Visit log tracker. Unsigned tokens with default limits if nil.
	Tracker *visitlog.Tracker
	// Prewarm dispatcher. Prewarming is off if nil.
	Prewarmer *prewarm.Dispatcher
	// Clickstream recorder. Nothing is recorded if nil.
	Recorder *store.Recorder
	// Embed predictions into HTML documents as a data island,
	// in addition to the response header.
	InjectDataIsland bool
	// Per-path data island rules.
	Rules responsetransformer.Rules
	// Path prefixes that are never tracked, in addition to DefaultSkipPrefixes.
	SkipPrefixes []string
	// Request header carrying the user id stored with visits.
	UserIDHeader string
	// Mark the visit log and session cookies Secure.
	SecureCookies bool
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Exporter
	// Optional function for mutating the incoming request.
	RequestModifier func(*http.Request)
	// Optional function for transforming the origin response.
	// It runs before the data island is injected.
	ResponseModifier func(*http.Response) error
}

type AlwaysPrefetch struct {
	predictions      *prediction.Service
	tracker          *visitlog.Tracker
	prewarmer        *prewarm.Dispatcher
	recorder         *store.Recorder
	rules            responsetransformer.Rules
	injectIsland     bool
	prewarmURL       string
	skipPrefixes     []string
	userIDHeader     string
	secureCookies    bool
	log              zerolog.Logger
	metrics          *metrics.Exporter
	requestModifier  func(*http.Request)
	responseModifier func(*http.Response) error
	reverseproxy     httputil.ReverseProxy
}

// New creates the prefetch pipeline. Use ServeHTTP to run it as a reverse
// proxy in front of Config.OriginURL, or Middleware to wrap a handler.
func New(config Config) *AlwaysPrefetch {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.OriginURL.Host != "" {
		logger = logger.With().
			Str("origin", config.OriginURL.String()).
			Logger()
	}

	a := &AlwaysPrefetch{
		predictions:      config.Predictions,
		tracker:          config.Tracker,
		prewarmer:        config.Prewarmer,
		recorder:         config.Recorder,
		rules:            config.Rules,
		injectIsland:     config.InjectDataIsland,
		prewarmURL:       strings.TrimSuffix(config.PrewarmURL, "/"),
		skipPrefixes:     append(append([]string{}, DefaultSkipPrefixes...), config.SkipPrefixes...),
		userIDHeader:     config.UserIDHeader,
		secureCookies:    config.SecureCookies,
		log:              logger,
		metrics:          config.Metrics,
		requestModifier:  config.RequestModifier,
		responseModifier: config.ResponseModifier,
	}
	if a.predictions == nil {
		a.predictions = prediction.New(prediction.Config{Logger: &logger, Metrics: config.Metrics})
	}
	if a.tracker == nil {
		a.tracker = visitlog.NewTracker(nil)
		a.tracker.Secure = config.SecureCookies
	}
	if a.prewarmURL == "" && config.OriginURL.Host != "" {
		a.prewarmURL = strings.TrimSuffix(config.OriginURL.String(), "/")
	}

	host := config.OriginURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if config.OriginHost != "" {
		hostHeader = config.OriginHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: config.OriginHost,
			},
		}
	}
	a.reverseproxy = httputil.ReverseProxy{
		Director:       createDirector(config.OriginURL.Scheme, host, hostHeader),
		Transport:      transport,
		ModifyResponse: a.modifyResponse,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not get response from origin")
			w.WriteHeader(http.StatusBadGateway)
		},
	}

	return a
}

// Predictions returns the prediction service used by the pipeline.
func (a *AlwaysPrefetch) Predictions() *prediction.Service {
	return a.predictions
}

// ServeHTTP implements the http.Handler interface.
// It runs the pipeline and proxies the request to the origin.
func (a *AlwaysPrefetch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.requestModifier != nil {
		a.requestModifier(r)
	}
	nav := a.intercept(w, r)
	if nav.tracked && a.injectIsland && len(nav.routes) > 0 {
		// the transport decompresses transparently when it asked for gzip itself,
		// which keeps the document rewritable
		nav.r.Header.Del("Accept-Encoding")
	}
	a.reverseproxy.ServeHTTP(w, nav.r)
	a.logRequest(nav)
}

// Middleware runs the pipeline in front of next.
func (a *AlwaysPrefetch) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nav := a.intercept(w, r)
		defer a.logRequest(nav)
		if !nav.tracked || !a.injectIsland || len(nav.routes) == 0 || !a.rules.Allowed(nav.r.URL.Path) {
			next.ServeHTTP(w, nav.r)
			return
		}

		saver := tee.NewResponseSaver(w, responsetransformer.Eligible)
		next.ServeHTTP(saver, nav.r)
		var body []byte
		if saver.Held() {
			var injected bool
			body, injected = responsetransformer.InjectDataIsland(saver.Body(), nav.routes)
			if injected {
				a.rules.Personalise(nav.r.URL.Path, saver.Header())
				a.metrics.RecordBridge("island")
			}
		}
		if err := saver.Finish(body); err != nil {
			a.log.Debug().Err(err).Str("url", nav.r.URL.String()).Msg("Could not write response to client")
		}
	})
}

// Shutdown stops prewarming, waits for in-flight probes and drains the
// clickstream recorder, or gives up when ctx ends.
func (a *AlwaysPrefetch) Shutdown(ctx context.Context) error {
	if a.prewarmer != nil {
		if err := a.prewarmer.Close(ctx); err != nil {
			return err
		}
	}
	if a.recorder != nil {
		return a.recorder.Close(ctx)
	}
	return nil
}

func (a *AlwaysPrefetch) modifyResponse(res *http.Response) error {
	if a.responseModifier != nil {
		if err := a.responseModifier(res); err != nil {
			return err
		}
	}
	if !a.injectIsland || res.Request == nil {
		return nil
	}
	injected, err := a.rules.Apply(res, bridge.FromContext(res.Request.Context()))
	if err != nil {
		// the body could not be read, so the response cannot be sent either
		return err
	}
	if injected {
		a.metrics.RecordBridge("island")
	}
	return nil
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

func (a *AlwaysPrefetch) logRequest(nav navigation) {
	if !nav.tracked {
		a.log.Trace().Str("method", nav.r.Method).Str("url", nav.r.URL.String()).Msg("Passing through")
		return
	}
	a.log.Debug().
		Str("method", nav.r.Method).
		Str("url", nav.r.URL.String()).
		Str("sourceIp", getRequestSourceIp(nav.r)).
		Str("session", nav.session).
		Strs("predicted", nav.routes).
		Str("source", string(nav.source)).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
