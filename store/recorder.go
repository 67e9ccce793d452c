package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultQueueSize = 1024

// Recorder writes to a Store in the background so that requests never wait
// on the database. When the queue is full new records are dropped.
type Recorder struct {
	store   Store
	queue   chan func(context.Context) error
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type RecorderConfig struct {
	// defaultQueueSize if zero.
	QueueSize int
	// Per-write timeout, 5s if zero.
	WriteTimeout time.Duration
	Logger       *zerolog.Logger
}

func NewRecorder(s Store, cfg RecorderConfig) *Recorder {
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	r := &Recorder{
		store:   s,
		queue:   make(chan func(context.Context) error, size),
		timeout: timeout,
		log:     logger.With().Str("component", "store").Logger(),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) RecordVisit(v Visit) bool {
	return r.enqueue(func(ctx context.Context) error { return r.store.SaveVisit(ctx, v) })
}

func (r *Recorder) RecordPrediction(p Prediction) bool {
	return r.enqueue(func(ctx context.Context) error { return r.store.SavePrediction(ctx, p) })
}

// Close stops accepting records and waits for the queue to drain or ctx to end.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) enqueue(write func(context.Context) error) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- write:
		return true
	default:
		r.log.Warn().Msg("Store queue full, dropping record")
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for write := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := write(ctx); err != nil {
			r.log.Error().Err(err).Msg("Could not write clickstream record")
		}
		cancel()
	}
}
