package model

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TopK is the number of ids taken from the classifier output.
const TopK = 3

// Predictor turns classifier output into routes.
// Any failure results in an empty prediction, never an error.
type Predictor struct {
	// Inference timeout; zero means no timeout beyond the caller's context.
	Timeout time.Duration
	Logger  *zerolog.Logger
}

type inference struct {
	probs []float32
	err   error
}

// Predict runs one inference for the recent paths and returns up to TopK routes,
// best first. Entries that map to PAD, UNK or to no route are dropped and not
// replaced, so the result may be shorter than TopK. A zero score still ranks.
func (p Predictor) Predict(ctx context.Context, h *Handle, paths []string) []string {
	if h == nil || h.Classifier == nil || h.Vocabulary == nil || len(paths) == 0 {
		return []string{}
	}
	logger := p.logger()

	seq := h.Vocabulary.Encode(paths, h.Window)
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	done := make(chan inference, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- inference{err: fmt.Errorf("inference panic: %v", r)}
			}
		}()
		probs, err := h.Classifier.Predict(ctx, seq)
		done <- inference{probs: probs, err: err}
	}()

	var res inference
	select {
	case res = <-done:
	case <-ctx.Done():
		logger.Debug().Err(ctx.Err()).Msg("Inference abandoned")
		return []string{}
	}
	if res.err != nil {
		logger.Debug().Err(res.err).Msg("Inference failed")
		return []string{}
	}
	if len(res.probs) != h.Vocabulary.Size() {
		logger.Debug().Int("got", len(res.probs)).Int("want", h.Vocabulary.Size()).Msg("Inference returned wrong distribution size")
		return []string{}
	}

	routes := make([]string, 0, TopK)
	for _, id := range TopIDs(res.probs, TopK) {
		if h.Vocabulary.Reserved(id) {
			continue
		}
		if route, ok := h.Vocabulary.Route(id); ok {
			routes = append(routes, route)
		}
	}
	return routes
}

// TopIDs returns the k ids with the highest probability, ties broken by the lowest id.
// NaN scores rank below everything else, -Inf included.
func TopIDs(probs []float32, k int) []int {
	ids := make([]int, len(probs))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		sa, sb := float64(probs[ids[a]]), float64(probs[ids[b]])
		nanA, nanB := math.IsNaN(sa), math.IsNaN(sb)
		switch {
		case nanA != nanB:
			return nanB
		case !nanA && sa != sb:
			return sa > sb
		}
		return ids[a] < ids[b]
	})
	if k < len(ids) {
		ids = ids[:k]
	}
	return ids
}

func (p Predictor) logger() *zerolog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return &log.Logger
}
