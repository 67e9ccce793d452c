// Package prediction answers "which routes will this visitor open next".
//
// The model is loaded lazily on the first prediction. Exactly one load is in
// flight at any time and every concurrent caller waits on it; the outcome is
// kept until Invalidate is called. When no model is usable the rule-based
// predictor answers instead.
package prediction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/always-cache/always-prefetch/metrics"
	"github.com/always-cache/always-prefetch/model"
	rulepredictor "github.com/always-cache/always-prefetch/pkg/rule-predictor"
)

// MaxRoutes bounds every prediction.
const MaxRoutes = 3

const defaultLoadTimeout = 30 * time.Second

type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Unavailable
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Source names the predictor that produced a result.
type Source string

const (
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
	// SourceNone is reported for empty histories, where nothing is predicted.
	SourceNone Source = "none"
)

type Result struct {
	Routes  []string
	Source  Source
	Latency time.Duration
}

// LoadFunc produces the model handle. It is called at most once per
// Uninitialized -> Loading transition.
type LoadFunc func(ctx context.Context) (*model.Handle, error)

// Loader adapts a model.LoaderConfig to a LoadFunc.
func Loader(cfg model.LoaderConfig) LoadFunc {
	return func(ctx context.Context) (*model.Handle, error) {
		return model.LoadHandle(ctx, cfg)
	}
}

type Config struct {
	// Load is nil when no model is configured; the service then settles as Unavailable.
	Load LoadFunc
	// Rules defaults to the default policy.
	Rules *rulepredictor.Predictor
	Model model.Predictor
	// Bound for a single load attempt, 30s if zero. The load does not
	// inherit the context of the request that triggered it.
	LoadTimeout time.Duration
	Logger      *zerolog.Logger
	Metrics     *metrics.Exporter
}

type Service struct {
	load        LoadFunc
	rules       *rulepredictor.Predictor
	model       model.Predictor
	loadTimeout time.Duration
	log         zerolog.Logger
	metrics     *metrics.Exporter

	mu     sync.Mutex
	state  State
	handle *model.Handle
	// closed when the in-flight load settles
	done  chan struct{}
	loads int
}

func New(cfg Config) *Service {
	rules := cfg.Rules
	if rules == nil {
		rules = rulepredictor.New(rulepredictor.DefaultPolicy())
	}
	timeout := cfg.LoadTimeout
	if timeout <= 0 {
		timeout = defaultLoadTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	m := cfg.Model
	if m.Logger == nil {
		modelLogger := logger.With().Str("component", "model").Logger()
		m.Logger = &modelLogger
	}
	return &Service{
		load:        cfg.Load,
		rules:       rules,
		model:       m,
		loadTimeout: timeout,
		log:         logger.With().Str("component", "prediction").Logger(),
		metrics:     cfg.Metrics,
	}
}

// GetPredictedRoutes returns up to three routes, best first.
func (s *Service) GetPredictedRoutes(ctx context.Context, paths []string) []string {
	return s.Predict(ctx, paths).Routes
}

// Predict is GetPredictedRoutes with the source and latency of the answer.
// A model answer is returned as is; it is never merged with the rules.
func (s *Service) Predict(ctx context.Context, paths []string) Result {
	if len(paths) == 0 {
		return Result{Routes: []string{}, Source: SourceNone}
	}
	start := time.Now()

	res := Result{Source: SourceFallback}
	if h := s.ensureLoaded(ctx); h != nil {
		if routes := s.model.Predict(ctx, h, paths); len(routes) > 0 {
			res.Routes, res.Source = truncate(routes), SourceModel
		}
	}
	if res.Source == SourceFallback {
		res.Routes = truncate(s.rules.Predict(paths))
	}
	res.Latency = time.Since(start)

	s.observe(paths, res)
	return res
}

// Load triggers the model load if none was attempted yet and waits until it
// settles or ctx ends.
func (s *Service) Load(ctx context.Context) State {
	s.ensureLoaded(ctx)
	return s.State()
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadCount is the number of load attempts started so far.
func (s *Service) LoadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

// Invalidate drops a settled model so the next prediction loads again.
// It reports false, and does nothing, while a load is in flight.
func (s *Service) Invalidate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Loading {
		return false
	}
	s.state = Uninitialized
	s.handle = nil
	s.log.Info().Msg("Model invalidated")
	return true
}

// ensureLoaded returns the ready handle, or nil when predictions must come
// from the rules. A caller whose ctx ends first gets nil; the load goes on.
func (s *Service) ensureLoaded(ctx context.Context) *model.Handle {
	s.mu.Lock()
	switch s.state {
	case Ready, Unavailable:
		h := s.handle
		s.mu.Unlock()
		return h
	case Uninitialized:
		s.state = Loading
		s.done = make(chan struct{})
		s.loads++
		go s.runLoad(s.done)
	}
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Service) runLoad(done chan struct{}) {
	ctx, cancel := context.WithTimeout(context.Background(), s.loadTimeout)
	defer cancel()

	start := time.Now()
	h, err := s.callLoad(ctx)
	if err == nil && h == nil {
		err = model.ErrUnavailable
	}

	s.mu.Lock()
	if err != nil {
		s.state, s.handle = Unavailable, nil
	} else {
		s.state, s.handle = Ready, h
	}
	close(done)
	s.mu.Unlock()

	switch {
	case err == nil:
		s.metrics.RecordModelLoad("ready")
		s.log.Info().Str("runtime", h.Runtime).Int("vocab", h.Vocabulary.Len()).Dur("took", time.Since(start)).Msg("Model loaded")
	case errors.Is(err, model.ErrUnavailable):
		s.metrics.RecordModelLoad("unavailable")
		s.log.Info().Msg("No model runtime available, using rule-based predictions")
	default:
		s.metrics.RecordModelLoad("unavailable")
		s.log.Warn().Err(err).Dur("took", time.Since(start)).Msg("Model load failed, using rule-based predictions")
	}
}

func (s *Service) callLoad(ctx context.Context) (h *model.Handle, err error) {
	if s.load == nil {
		return nil, model.ErrUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("model load panic: %v", r)
		}
	}()
	return s.load(ctx)
}

func (s *Service) observe(paths []string, res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("Could not record prediction")
		}
	}()
	s.metrics.RecordPrediction(string(res.Source), res.Latency)
	msg := "Fallback prediction"
	if res.Source == SourceModel {
		msg = "Model prediction"
	}
	s.log.Debug().
		Str("source", string(res.Source)).
		Str("last", paths[len(paths)-1]).
		Strs("routes", res.Routes).
		Dur("latency", res.Latency).
		Msg(msg)
}

func truncate(routes []string) []string {
	if len(routes) > MaxRoutes {
		return routes[:MaxRoutes]
	}
	return routes
}
