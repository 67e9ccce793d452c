// Package prewarm fires background HEAD probes for predicted routes so that
// caches between the proxy and the origin are warm when the visitor arrives.
//
// Probes are fire-and-forget: Prewarm returns before any probe starts and
// probe outcomes never reach the request that caused them.
package prewarm

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/always-cache/always-prefetch/metrics"
)

// UserAgent marks probe requests so the pipeline can ignore its own traffic.
const UserAgent = "always-prefetch-prewarm/1"

const DefaultProbeTimeout = 5 * time.Second

type Config struct {
	// http.DefaultClient if nil.
	Client *http.Client
	// Per-probe timeout, DefaultProbeTimeout if zero.
	ProbeTimeout time.Duration
	// Maximum probes in flight, unbounded if zero.
	Concurrency int64
	// Probes per second, unlimited if zero. Probes over the limit are dropped.
	RateLimit float64
	Burst     int
	Logger    *zerolog.Logger
	Metrics   *metrics.Exporter
}

type Dispatcher struct {
	client  *http.Client
	timeout time.Duration
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	group   singleflight.Group
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	log     zerolog.Logger
	metrics *metrics.Exporter
}

func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		client:  cfg.Client,
		timeout: cfg.ProbeTimeout,
		metrics: cfg.Metrics,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.timeout <= 0 {
		d.timeout = DefaultProbeTimeout
	}
	if cfg.Concurrency > 0 {
		d.sem = semaphore.NewWeighted(cfg.Concurrency)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	d.log = logger.With().Str("component", "prewarm").Logger()
	return d
}

// Prewarm schedules one probe per route against baseURL and returns at once.
// It does nothing once the dispatcher is closed.
func (d *Dispatcher) Prewarm(routes []string, baseURL string) {
	if len(routes) == 0 || baseURL == "" {
		return
	}
	// the probes must not see later changes to the caller's slice
	targets := make([]string, 0, len(routes))
	for _, route := range routes {
		if route != "" {
			targets = append(targets, Target(baseURL, route))
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.log.Trace().Strs("targets", targets).Msg("Prewarm after close ignored")
		return
	}
	d.wg.Add(len(targets))
	for _, target := range targets {
		go d.probe(target)
	}
}

// Close stops accepting probes and waits for the scheduled ones like Wait.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.Wait(ctx)
}

// Wait blocks until all scheduled probes are done or ctx ends.
// Use Close when Prewarm may still be called concurrently.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Target joins the base URL and a route with exactly one slash between them.
func Target(baseURL, route string) string {
	return strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(route, "/")
}

func (d *Dispatcher) probe(target string) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("target", target).Msg("Prewarm probe panicked")
		}
	}()

	if d.limiter != nil && !d.limiter.Allow() {
		d.metrics.RecordProbe("dropped")
		d.log.Trace().Str("target", target).Msg("Prewarm probe dropped by rate limit")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	// concurrent probes of one target share a single request
	_, err, shared := d.group.Do(target, func() (interface{}, error) {
		if d.sem != nil {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return nil, err
			}
			defer d.sem.Release(1)
		}
		return nil, d.head(ctx, target)
	})

	if err != nil {
		d.metrics.RecordProbe("error")
		d.log.Trace().Err(err).Str("target", target).Msg("Prewarm probe failed")
		return
	}
	d.metrics.RecordProbe("ok")
	d.log.Trace().Str("target", target).Bool("shared", shared).Msg("Prewarm probe done")
}

func (d *Dispatcher) head(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", UserAgent)
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("HEAD %s: status %d", target, res.StatusCode)
	}
	return nil
}
