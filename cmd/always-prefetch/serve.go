package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	alwaysprefetch "github.com/always-cache/always-prefetch"
	"github.com/always-cache/always-prefetch/internal/profile"
	"github.com/always-cache/always-prefetch/metrics"
	rulepredictor "github.com/always-cache/always-prefetch/pkg/rule-predictor"
	visitlog "github.com/always-cache/always-prefetch/pkg/visit-log"
	"github.com/always-cache/always-prefetch/prediction"
	"github.com/always-cache/always-prefetch/prewarm"
	"github.com/always-cache/always-prefetch/store"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the prefetch proxy in front of an origin",
	RunE:  serve,
}

func init() {
	viper.SetDefault("port", 8080)

	flags := serveCmd.Flags()
	flags.String("origin", "", "Origin URL to proxy to (overrides config)")
	flags.String("host", "", "Hostname of origin, if the origin is an IP address")
	flags.String("addr", "", "Address to listen on")
	flags.Int("port", 8080, "Port to listen on")
	flags.String("secret", "", "Secret for signing visit log cookies (unsigned if empty)")
	flags.Bool("secure-cookies", false, "Mark cookies Secure")
	flags.Bool("inject-island", false, "Embed predictions into HTML documents")
	flags.String("user-id-header", "", "Request header with the user id to record with visits")
	flags.String("prewarm-url", "", "Base URL for prewarm probes (default origin, 'off' to disable)")
	flags.Int64("prewarm-concurrency", 8, "Maximum prewarm probes in flight")
	flags.Float64("prewarm-rate", 50, "Maximum prewarm probes per second")
	bindFlags(serveCmd)
}

func serve(cmd *cobra.Command, args []string) error {
	p := profile.FromViper(viper.GetViper())

	var fileConfig alwaysprefetch.FileConfig
	if p.ConfigFile != "" {
		var err error
		if fileConfig, err = alwaysprefetch.LoadConfigFile(p.ConfigFile); err != nil {
			return errors.Wrap(err, "failed to read config")
		}
		if p.Origin == "" {
			p.Origin = fileConfig.Origin
		}
		if p.Host == "" {
			p.Host = fileConfig.Host
		}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	originURL, err := p.OriginURL()
	if err != nil {
		return err
	}

	exporter := metrics.New(metrics.DefaultConfig())
	svc := newService(p, fileConfig.Policy, exporter)

	var recorder *store.Recorder
	if p.DSN != "" {
		s, err := store.Open(p.DSN)
		if err != nil {
			return err
		}
		defer s.Close()
		recorder = store.NewRecorder(s, store.RecorderConfig{})
	}

	var prewarmer *prewarm.Dispatcher
	if !p.PrewarmDisabled() {
		prewarmer = prewarm.New(prewarm.Config{
			Concurrency: p.PrewarmConcurrency,
			RateLimit:   p.PrewarmRate,
			Burst:       int(p.PrewarmConcurrency),
			Metrics:     exporter,
		})
	}

	tracker := visitlog.NewTracker([]byte(p.Secret))
	tracker.Secure = p.SecureCookies
	tracker.Window = p.Window

	prewarmURL := p.PrewarmURL
	if p.PrewarmDisabled() {
		prewarmURL = ""
	}
	ap := alwaysprefetch.New(alwaysprefetch.Config{
		OriginURL:        *originURL,
		OriginHost:       p.Host,
		PrewarmURL:       prewarmURL,
		Predictions:      svc,
		Tracker:          tracker,
		Prewarmer:        prewarmer,
		Recorder:         recorder,
		InjectDataIsland: p.InjectIsland,
		Rules:            fileConfig.Rules,
		UserIDHeader:     p.UserIDHeader,
		SecureCookies:    p.SecureCookies,
		Metrics:          exporter,
	})

	// load the model now so the first visitor does not wait for it
	go svc.Load(context.Background())

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", p.Addr, p.Port),
		Handler: newRouter(ap, exporter),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", p.Port, originURL.String(), p.Host)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down server")
	}
	return ap.Shutdown(shutdownCtx)
}

func newRouter(ap *alwaysprefetch.AlwaysPrefetch, exporter *metrics.Exporter) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(log.Logger))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Trace().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Route(alwaysprefetch.AdminPath, ap.AdminRoutes)
	r.Handle("/metrics", exporter.Handler())
	r.Handle("/*", ap)
	return r
}

// newService builds the prediction service from the profile. Without a
// model location the service answers from the rules only.
func newService(p *profile.Profile, policy rulepredictor.Policy, exporter *metrics.Exporter) *prediction.Service {
	cfg := prediction.Config{
		Rules:       rulepredictor.New(policy),
		LoadTimeout: p.LoadTimeout,
		Metrics:     exporter,
	}
	if p.ModelURL != "" {
		loaderConfig, ok := p.LoaderConfig()
		if !ok {
			log.Warn().Str("runtime", p.Runtime).Msg("Model runtime not supported by this build, using rule-based predictions")
		}
		cfg.Load = prediction.Loader(loaderConfig)
	}
	return prediction.New(cfg)
}
